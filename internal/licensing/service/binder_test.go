package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neovend/licensegate/internal/licensing/service"
	"github.com/neovend/licensegate/internal/licensing/store"
	"github.com/neovend/licensegate/internal/licensing/store/memory"
)

func TestBinder_Bind_Success(t *testing.T) {
	ls := memory.NewLicenseStore()
	require.NoError(t, ls.Put(store.License{ID: "a", Key: "K-A", Status: store.StatusActive}))

	got, err := service.NewBinder(ls).Bind(context.Background(), "a", "DEV1", "Pixel 8")
	require.NoError(t, err)
	assert.Equal(t, "DEV1", got.DeviceID)
	assert.Equal(t, store.StatusUsed, got.Status)
	assert.NotNil(t, got.ActivatedAt)
}

func TestBinder_Bind_TranslatesStoreErrors(t *testing.T) {
	tests := []struct {
		name     string
		storeErr error
		want     error
	}{
		{"device conflict", store.ErrDeviceConflict, service.ErrDeviceBoundElsewhere},
		{"not unbound", store.ErrNotUnbound, service.ErrBindLost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &stubLicenseStore{LicenseStore: memory.NewLicenseStore(), bindErr: tt.storeErr}
			_, err := service.NewBinder(st).Bind(context.Background(), "a", "DEV1", "")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestBinder_Bind_WrapsOtherErrors(t *testing.T) {
	boom := errors.New("disk on fire")
	st := &stubLicenseStore{LicenseStore: memory.NewLicenseStore(), bindErr: boom}

	_, err := service.NewBinder(st).Bind(context.Background(), "a", "DEV1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, service.ErrBindLost)
	assert.NotErrorIs(t, err, service.ErrDeviceBoundElsewhere)
}
