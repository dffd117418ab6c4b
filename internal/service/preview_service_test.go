package service

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/madrasah-billing-api/internal/dto"
	"github.com/noah-isme/madrasah-billing-api/internal/models"
	appErrors "github.com/noah-isme/madrasah-billing-api/pkg/errors"
)

type memoryCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{items: map[string][]byte{}}
}

func (m *memoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.items[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(raw, dest)
}

func (m *memoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = raw
	return nil
}

func (m *memoryCache) DeleteByPattern(ctx context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.items {
		if ok, _ := path.Match(pattern, key); ok {
			delete(m.items, key)
		}
	}
	return nil
}

func TestWithdrawPreviewLastChild(t *testing.T) {
	h := newBillingHarness(t)
	ids := h.seedFamily("fam-1", "sub-1", "ext-1", 1)

	preview, _, err := h.previews.WithdrawPreview(context.Background(), ids[0])
	require.NoError(t, err)

	assert.True(t, preview.IsLastActiveChild)
	assert.Zero(t, preview.RecalculatedAmount)
	assert.True(t, preview.HasSubscription)
	assert.Equal(t, "fam-1", *preview.FamilyID)
	assert.Empty(t, h.provider.callLog())
}

func TestWithdrawPreviewOfWithdrawnStudent(t *testing.T) {
	h := newBillingHarness(t)
	h.seedFamily("fam-1", "sub-1", "ext-1", 2)
	h.store.addStudent("gone", "fam-1", models.StudentStatusWithdrawn)

	preview, _, err := h.previews.WithdrawPreview(context.Background(), "gone")
	require.NoError(t, err)

	assert.Equal(t, 2, preview.ActiveChildCount)
	assert.Equal(t, CalculateRate(2), preview.RecalculatedAmount)
	assert.False(t, preview.IsLastActiveChild)
}

func TestWithdrawPreviewPausedSubscription(t *testing.T) {
	h := newBillingHarness(t)
	ids := h.seedFamily("fam-1", "sub-1", "ext-1", 2)
	sub := h.store.subscriptions["sub-1"]
	sub.Status = models.SubscriptionStatusPaused
	h.store.subscriptions["sub-1"] = sub

	preview, _, err := h.previews.WithdrawPreview(context.Background(), ids[0])
	require.NoError(t, err)
	assert.True(t, preview.IsPaused)
}

func TestWithdrawPreviewUnknownStudent(t *testing.T) {
	h := newBillingHarness(t)

	_, _, err := h.previews.WithdrawPreview(context.Background(), "missing")
	assert.True(t, errors.Is(err, appErrors.ErrStudentNotFound))
}

func TestFamilyWithdrawPreview(t *testing.T) {
	h := newBillingHarness(t)
	ids := h.seedFamily("fam-1", "sub-1", "ext-1", 2)
	h.store.addStudent("gone", "fam-1", models.StudentStatusWithdrawn)

	preview, _, err := h.previews.FamilyWithdrawPreview(context.Background(), "fam-1")
	require.NoError(t, err)

	assert.Equal(t, 2, preview.ActiveCount)
	require.Len(t, preview.Members, 2)
	assert.Equal(t, ids[0], preview.Members[0].StudentID)
	assert.True(t, preview.HasSubscription)
	assert.Equal(t, int64(17000), *preview.CurrentAmount)

	_, _, err = h.previews.FamilyWithdrawPreview(context.Background(), "fam-none")
	assert.True(t, errors.Is(err, appErrors.ErrFamilyNotFound))
}

func TestPreviewCacheIsInvalidatedByWithdrawal(t *testing.T) {
	h := newBillingHarness(t)
	ids := h.seedFamily("fam-1", "sub-1", "ext-1", 3)
	cache := NewCacheService(newMemoryCache(), h.metrics, time.Minute, nil, true)
	h.previews.cache = cache
	h.withdrawals.cache = cache

	first, hit, err := h.previews.WithdrawPreview(context.Background(), ids[1])
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 3, first.ActiveChildCount)

	_, hit, err = h.previews.WithdrawPreview(context.Background(), ids[1])
	require.NoError(t, err)
	assert.True(t, hit)

	_, err = h.withdrawals.WithdrawChild(context.Background(), dto.WithdrawChildRequest{
		StudentID: ids[0],
		Reason:    models.WithdrawReasonPersonal,
		Billing:   models.AutoRecalculate(),
	})
	require.NoError(t, err)

	second, hit, err := h.previews.WithdrawPreview(context.Background(), ids[1])
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, 2, second.ActiveChildCount)
	assert.Equal(t, CalculateRate(1), second.RecalculatedAmount)
	assert.Equal(t, int64(17000), *second.CurrentAmount)
}
