package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"shopwa/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1) // one in-memory sqlite database per test
	require.NoError(t, db.AutoMigrate(&models.MerchantSession{}, &models.DeliveryJob{}, &models.DeliveryRecord{}))
	return db
}

func TestBillingUnlimitedQuota(t *testing.T) {
	billing := NewBillingService(newTestDB(t), 0)

	ok, reason, err := billing.CanSend(context.Background(), "shop.myshopify.com", 1_000_000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestBillingQuotaEnforced(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&models.MerchantSession{
		TenantID:        "shop.myshopify.com",
		ConnectionState: models.StateConnected,
		MessageCount:    98,
	}).Error)

	billing := NewBillingService(db, 100)
	ctx := context.Background()

	ok, _, err := billing.CanSend(ctx, "shop.myshopify.com", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, reason, err := billing.CanSend(ctx, "shop.myshopify.com", 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "quota exceeded")
}

func TestBillingIncrementUsage(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Create(&models.MerchantSession{
		TenantID:        "shop.myshopify.com",
		ConnectionState: models.StateConnected,
	}).Error)

	billing := NewBillingService(db, 10)
	ctx := context.Background()

	require.NoError(t, billing.IncrementUsage(ctx, "shop.myshopify.com", 1))
	require.NoError(t, billing.IncrementUsage(ctx, "shop.myshopify.com", 4))

	var row models.MerchantSession
	require.NoError(t, db.Where("tenant_id = ?", "shop.myshopify.com").First(&row).Error)
	assert.Equal(t, int64(5), row.MessageCount)
}

func TestHistoryRecordAndList(t *testing.T) {
	db := newTestDB(t)
	history := NewHistoryService(db)
	ctx := context.Background()

	job := &models.DeliveryJob{
		TenantID:    "shop.myshopify.com",
		Recipient:   "628111",
		Body:        "your order shipped",
		Category:    models.CategoryFulfillment,
		OrderID:     "5001",
		OrderNumber: "#1042",
	}
	require.NoError(t, history.RecordSent(ctx, job))
	require.NoError(t, history.RecordFailed(ctx, job, "send timed out"))

	records, err := history.ListByTenant(ctx, "shop.myshopify.com", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, models.RecordFailed, records[0].Status, "newest first")
	assert.Equal(t, "send timed out", records[0].ErrorMsg)
	assert.Equal(t, models.RecordSent, records[1].Status)
	assert.Equal(t, "#1042", records[1].OrderNumber)

	other, err := history.ListByTenant(ctx, "other.myshopify.com", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestEraseTenantRemovesEverything(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	seed := func(tenantID string) {
		require.NoError(t, db.Create(&models.MerchantSession{
			TenantID:        tenantID,
			ConnectionState: models.StateConnected,
			CredentialBlob:  []byte(`{"jid":"1@s.whatsapp.net"}`),
		}).Error)
		require.NoError(t, db.Create(&models.DeliveryJob{
			ID: tenantID + "-job", TenantID: tenantID, Recipient: "628111",
			Status: models.JobPending, MaxAttempts: 3, DedupeKey: tenantID + "-key",
		}).Error)
		require.NoError(t, db.Create(&models.DeliveryRecord{
			TenantID: tenantID, Recipient: "628111", Status: models.RecordSent,
		}).Error)
	}
	seed("gone.myshopify.com")
	seed("stays.myshopify.com")

	require.NoError(t, NewErasureService(db).EraseTenant(ctx, "gone.myshopify.com"))

	for _, model := range []interface{}{&models.MerchantSession{}, &models.DeliveryJob{}, &models.DeliveryRecord{}} {
		var n int64
		require.NoError(t, db.Model(model).Where("tenant_id = ?", "gone.myshopify.com").Count(&n).Error)
		assert.Zero(t, n, "%T rows must be gone", model)

		require.NoError(t, db.Model(model).Where("tenant_id = ?", "stays.myshopify.com").Count(&n).Error)
		assert.Equal(t, int64(1), n, "other tenants keep their %T rows", model)
	}
}

func TestAuthTokenRoundTrip(t *testing.T) {
	auth := NewAuthService("test-secret")

	token, err := auth.GenerateToken("shop.myshopify.com")
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "shop.myshopify.com", claims.Shop)
}

func TestAuthRejectsTamperedToken(t *testing.T) {
	auth := NewAuthService("test-secret")
	other := NewAuthService("other-secret")

	token, err := other.GenerateToken("shop.myshopify.com")
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	assert.Error(t, err)

	_, err = auth.ValidateToken("not-a-token")
	assert.Error(t, err)
}
