package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voice-sync/internal/domain"
)

func TestSQLitePeerRegistry(t *testing.T) {
	s := newTestStore(t)
	reg := NewSQLitePeerRegistry(s.db)
	ctx := context.Background()

	_, err := reg.GetPeer(ctx, remoteDevice.ID)
	assertIs(t, err, domain.ErrNotFound)

	require.NoError(t, reg.AddPeer(ctx, &domain.Peer{ID: remoteDevice.ID, Name: "desktop", URL: "https://10.0.0.2:8384"}))
	require.NoError(t, reg.UpdateCertificateFingerprint(ctx, remoteDevice.ID, "SHA256:aa"))

	// Re-adding without a fingerprint keeps the pin.
	require.NoError(t, reg.AddPeer(ctx, &domain.Peer{ID: remoteDevice.ID, Name: "desktop-2", URL: "https://10.0.0.3:8384"}))

	p, err := reg.GetPeer(ctx, remoteDevice.ID)
	require.NoError(t, err)
	assert.Equal(t, "desktop-2", p.Name)
	require.NotNil(t, p.CertificateFingerprint)
	assert.Equal(t, "SHA256:aa", *p.CertificateFingerprint)
	assert.Nil(t, p.LastSyncAt)

	require.NoError(t, s.SetPeerLastSync(ctx, remoteDevice.ID, "", *at(1)))
	p, err = reg.GetPeer(ctx, remoteDevice.ID)
	require.NoError(t, err)
	assert.Equal(t, "desktop-2", p.Name, "an empty name keeps the known one")
	require.NotNil(t, p.LastSyncAt)

	peers, err := reg.ListPeers(ctx)
	require.NoError(t, err)
	assert.Len(t, peers, 1)

	assertIs(t, reg.UpdateCertificateFingerprint(ctx, localDevice.ID, "x"), domain.ErrNotFound)
	require.NoError(t, reg.RemovePeer(ctx, remoteDevice.ID))
	assertIs(t, reg.RemovePeer(ctx, remoteDevice.ID), domain.ErrNotFound)
}
