package converge

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/clickup/ci-storage-cdk/internal/command"
)

// digestCache maps "<repo-url>|<image>" to the digest last pulled.
type digestCache map[string]string

func loadDigests(path string) (digestCache, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return digestCache{}, nil
	}
	if err != nil {
		return nil, err
	}
	cache := digestCache{}
	if err := yaml.Unmarshal(data, &cache); err != nil {
		// A damaged cache only costs a pull.
		return digestCache{}, nil
	}
	return cache, nil
}

func (d digestCache) save(path string) error {
	data, err := yaml.Marshal(map[string]string(d))
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o600)
}

func (c *Converger) digestsPath() string {
	return filepath.Join(c.stateDir(), "image-digests.yaml")
}

// prePull pulls the configured images whose remote digest moved since the
// last pull. When the digest cannot be resolved the image is pulled anyway.
func (c *Converger) prePull(ctx context.Context, logger *zap.Logger, env []string) (pulled, upToDate []string, err error) {
	images := c.Config.Compose.Images
	if len(images) == 0 {
		return nil, nil, nil
	}
	cache, err := loadDigests(c.digestsPath())
	if err != nil {
		return nil, nil, err
	}

	for _, image := range images {
		key := c.Config.Repository.URL + "|" + image
		digest, err := c.Runner.Run(ctx, command.Cmd{
			Name: "docker",
			Args: []string{"buildx", "imagetools", "inspect", image, "--format", "{{.Manifest.Digest}}"},
			Env:  env,
		})
		if err != nil {
			logger.Warn("resolving digest", zap.String("image", image), zap.Error(err))
			digest = ""
		}
		if digest != "" && cache[key] == digest {
			upToDate = append(upToDate, image)
			continue
		}
		if _, err := c.Runner.Run(ctx, command.Cmd{Name: "docker", Args: []string{"pull", image}, Env: env}); err != nil {
			return pulled, upToDate, err
		}
		pulled = append(pulled, image)
		if digest != "" {
			cache[key] = digest
		}
	}
	return pulled, upToDate, cache.save(c.digestsPath())
}
