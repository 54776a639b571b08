package config

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"voice-sync/internal/domain"
	"voice-sync/internal/trust"
)

// PeerFile is the YAML peer seed file:
//
//	peers:
//	  - peer_id: 0123...
//	    peer_name: desktop
//	    peer_url: https://desktop.local:8443
//	    certificate_fingerprint: SHA256:ab:cd:...
type PeerFile struct {
	Peers []*domain.Peer `yaml:"peers" validate:"dive"`
}

func LoadPeers(path string) ([]*domain.Peer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read peer file %s", path)
	}

	var file PeerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "parse peer file %s", path)
	}

	if err := validator.New().Struct(file); err != nil {
		return nil, errors.Wrapf(err, "invalid peer file %s", path)
	}

	seen := make(map[string]bool, len(file.Peers))
	for _, p := range file.Peers {
		if seen[p.ID] {
			return nil, errors.Newf("peer %s listed twice in %s", p.ID, path)
		}
		seen[p.ID] = true
		if p.CertificateFingerprint != nil && !trust.ValidFingerprint(*p.CertificateFingerprint) {
			return nil, errors.WithHint(
				errors.Newf("peer %s has an invalid certificate_fingerprint", p.ID),
				"expected SHA256:xx:xx:... with 32 hex pairs",
			)
		}
	}
	return file.Peers, nil
}
