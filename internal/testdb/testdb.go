// Package testdb opens isolated in-memory sqlite databases with the full
// schema applied, plus small seeding helpers for repository tests.
package testdb

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/angelmondragon/farmmarket-backend/pkg/db"
	"github.com/angelmondragon/farmmarket-backend/pkg/db/models"
	"github.com/angelmondragon/farmmarket-backend/pkg/enums"
	"github.com/angelmondragon/farmmarket-backend/pkg/migrate"
)

// Open returns a client bound to a fresh database that lives for the test.
// The pool is capped at one connection, so callers must not touch the base
// handle while a transaction is open.
func Open(t testing.TB) *db.Client {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString()[:8])

	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := migrate.ApplySQLiteSchema(context.Background(), conn); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return db.NewFromConn(conn)
}

// SeedUser inserts a user with the given role.
func SeedUser(t testing.TB, client *db.Client, role enums.UserRole) models.User {
	t.Helper()
	id := uuid.New()
	user := models.User{
		ID:          id,
		DisplayName: string(role) + "-" + id.String()[:6],
		Email:       id.String() + "@example.test",
		Role:        role,
	}
	if err := client.DB().Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

// SeedItem inserts a catalog item owned by producerID.
func SeedItem(t testing.TB, client *db.Client, producerID uuid.UUID, title, price string) models.CatalogItem {
	t.Helper()
	category := "produce"
	item := models.CatalogItem{
		ID:         uuid.New(),
		ProducerID: producerID,
		Title:      title,
		Category:   &category,
		Price:      decimal.RequireFromString(price),
	}
	if err := client.DB().Create(&item).Error; err != nil {
		t.Fatalf("seed item: %v", err)
	}
	return item
}

// SeedOrder inserts a pending order for buyerID with one unit of each item.
// Views are not written; tests index it explicitly.
func SeedOrder(t testing.TB, client *db.Client, buyerID uuid.UUID, items ...models.CatalogItem) models.Order {
	t.Helper()
	order := models.Order{
		ID:              uuid.New(),
		BuyerID:         buyerID,
		Status:          enums.OrderStatusPending,
		DeliveryAddress: "12 Orchard Lane",
		TotalAmount:     decimal.Zero,
	}
	for _, item := range items {
		order.Lines = append(order.Lines, models.OrderLine{
			ID:         uuid.New(),
			OrderID:    order.ID,
			ItemID:     item.ID,
			ProducerID: item.ProducerID,
			Quantity:   1,
			UnitPrice:  item.Price,
			LineTotal:  item.Price,
		})
		order.TotalAmount = order.TotalAmount.Add(item.Price)
	}
	if err := client.DB().Create(&order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return order
}
