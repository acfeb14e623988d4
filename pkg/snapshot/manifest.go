package snapshot

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SaveManifest writes v as a new YAML artifact for name. Manifests follow
// the same naming and latest-wins rules as relation artifacts.
func (s *Store) SaveManifest(name string, v any) (ArtifactHandle, error) {
	if err := validateName(name); err != nil {
		return ArtifactHandle{}, err
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return ArtifactHandle{}, fmt.Errorf("encode manifest %s: %w", name, err)
	}
	h, err := s.publish(name, manifestExt, data)
	if err != nil {
		return ArtifactHandle{}, err
	}
	s.logger.Debug("Saved manifest", zap.String("name", name), zap.String("path", h.Path))
	return h, nil
}

// LoadLatestManifest decodes the newest manifest for name into v. Like
// LoadLatest it reports false for a missing or unreadable newest manifest.
func (s *Store) LoadLatestManifest(name string, v any) (ArtifactHandle, bool) {
	handles, err := s.list(name, manifestExt)
	if err != nil {
		s.logger.Warn("Failed to list manifests", zap.String("name", name), zap.Error(err))
		return ArtifactHandle{}, false
	}
	if len(handles) == 0 {
		return ArtifactHandle{}, false
	}
	latest := handles[len(handles)-1]

	data, err := os.ReadFile(latest.Path)
	if err == nil {
		err = yaml.Unmarshal(data, v)
	}
	if err != nil {
		s.logger.Warn("Latest manifest is unreadable",
			zap.String("name", name),
			zap.String("path", latest.Path),
			zap.Error(err))
		return ArtifactHandle{}, false
	}
	return latest, true
}
