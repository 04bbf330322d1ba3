/*
Copyright 2024 The CloudTik Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package resolver implements ConfigResolver.Bootstrap (spec §4.1):
// normalize, hash, cache, provider-canonicalize and validate a cluster
// config. The on-disk cache is encrypted and permission-0o600; an
// in-process front-cache (grounded on the teacher's
// pkg/cloudprovider/cache.CloudproviderCache, which also layers
// patrickmn/go-cache in front of a content hash) avoids re-decrypting an
// unchanged config on every controller tick.
package resolver

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/cloudtik/cloudtik-go/pkg/config"
	"github.com/cloudtik/cloudtik-go/pkg/provider"
)

// Options mirrors the bootstrap flags named in spec §4.1.
type Options struct {
	NoCache     bool
	InitCache   bool
	SkipRuntime bool
}

// ProviderLogInfo is the cache record's slot for ancillary provider state
// (spec §4.1 step 4/7), e.g. a provider's cached availability-zone
// lookup. It is opaque to the resolver. Bootstrap writes it empty and
// readCache does not read it back, so no provider state is restored from
// a cache hit.
type ProviderLogInfo = map[string]any

// cacheRecord is the on-disk cache file's JSON shape (spec §6).
type cacheRecord struct {
	Version        int             `json:"_version"`
	ProviderLogInfo ProviderLogInfo `json:"provider_log_info"`
	Config         string          `json:"config"` // base64(aes-gcm(json(config)))
}

// Resolver is the ConfigResolver. A zero value is not usable; construct
// with New.
type Resolver struct {
	log       *zap.SugaredLogger
	tmpDir    string
	secretKey [32]byte
	front     *gocache.Cache
}

// New returns a Resolver that caches under <tmpDir>/configs and encrypts
// cache payloads with a key derived from clusterSecret.
func New(log *zap.SugaredLogger, tmpDir string, clusterSecret string) *Resolver {
	return &Resolver{
		log:       log.Named("config-resolver"),
		tmpDir:    tmpDir,
		secretKey: sha256.Sum256([]byte(clusterSecret)),
		front:     gocache.New(5*time.Minute, 5*time.Minute),
	}
}

// Bootstrap transforms a user-supplied config into a fully resolved,
// provider-canonicalized, validated form, cached across invocations
// (spec §4.1).
func (r *Resolver) Bootstrap(cfg *config.ClusterConfig, opts Options) (*config.ClusterConfig, error) {
	// Step 1: already bootstrapped configs are returned as-is.
	if cfg.Bootstrapped {
		return cfg, nil
	}

	// Step 2: generic normalization.
	working := config.PrepareConfig(cloneConfig(cfg))

	// Step 3: canonical-JSON content hash.
	hash, err := configHash(working)
	if err != nil {
		return nil, fmt.Errorf("failed to hash config: %w", err)
	}
	working.ConfigHash = hash

	// Step 4: cache lookup.
	if !opts.NoCache {
		if cached, hit, err := r.readCache(hash); err != nil {
			r.log.Warnw("cache read failed, falling through to re-resolve", "error", err)
		} else if hit {
			return cached, nil
		}
	}

	// Step 5: provider factory lookup + provider/runtime prepare.
	nodeProvider, err := provider.ForProvider(working.Provider)
	if err != nil {
		return nil, err
	}
	working, err = nodeProvider.PostPrepare(working)
	if err != nil {
		return nil, fmt.Errorf("provider post_prepare failed: %w", err)
	}
	if !opts.SkipRuntime {
		working = runtimePrepareConfig(working)
	}
	if err := config.VerifyConfig(working); err != nil {
		return nil, err
	}

	// Step 6: provider canonicalization, re-run runtime bootstrap, verify.
	working, err = nodeProvider.BootstrapConfig(working)
	if err != nil {
		return nil, fmt.Errorf("provider bootstrap_config failed: %w", err)
	}
	if !opts.SkipRuntime {
		working = runtimePrepareConfig(working)
	}
	if err := config.VerifyConfig(working); err != nil {
		return nil, err
	}

	working.Bootstrapped = true

	// Step 7: persist encrypted, 0o600.
	if !opts.NoCache {
		if err := r.writeCache(hash, working, nil); err != nil {
			r.log.Warnw("failed to persist config cache", "error", err)
		}
	}

	return working, nil
}

// runtimePrepareConfig is the out-of-scope runtime-specific normalization
// hook (spec §1 "per-runtime setup scripts ... out of scope"); it is a
// no-op placeholder a runtime registry can replace.
func runtimePrepareConfig(cfg *config.ClusterConfig) *config.ClusterConfig { return cfg }

func cloneConfig(cfg *config.ClusterConfig) *config.ClusterConfig {
	cp := *cfg
	cp.AvailableNodeTypes = make(map[string]config.NodeTypeConfig, len(cfg.AvailableNodeTypes))
	for k, v := range cfg.AvailableNodeTypes {
		cp.AvailableNodeTypes[k] = v
	}
	return &cp
}

// configHash computes H(config) using a canonical JSON serialization.
// encoding/json already sorts map keys on marshal, giving the "keys
// sorted, whitespace normalized" canonical form spec §4.1 step 3 asks for.
func configHash(cfg *config.ClusterConfig) (string, error) {
	hashable := *cfg
	hashable.Bootstrapped = false
	hashable.ConfigHash = ""
	b, err := json.Marshal(hashable)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum), nil
}

func (r *Resolver) cacheFilePath(hash string) string {
	return filepath.Join(r.tmpDir, "configs", "cloudtik-config-"+hash)
}

func (r *Resolver) readCache(hash string) (*config.ClusterConfig, bool, error) {
	if v, ok := r.front.Get(hash); ok {
		cfg, _ := v.(*config.ClusterConfig)
		return cfg, cfg != nil, nil
	}

	data, err := os.ReadFile(r.cacheFilePath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, nil //nolint:nilerr // a corrupt/missing cache never raises (spec §7); fall through to re-resolve
	}

	var record cacheRecord
	if err := json.Unmarshal(data, &record); err != nil {
		r.log.Warnw("cache file is corrupt, re-resolving", "error", err)
		return nil, false, nil
	}
	if record.Version != config.ConfigCacheVersion {
		r.log.Warnw("cache version mismatch, re-resolving",
			"found", record.Version, "want", config.ConfigCacheVersion)
		return nil, false, nil
	}

	cfg, err := r.decrypt(record.Config)
	if err != nil {
		r.log.Warnw("failed to decrypt cache, re-resolving", "error", err)
		return nil, false, nil
	}

	r.front.SetDefault(hash, cfg)
	return cfg, true, nil
}

func (r *Resolver) writeCache(hash string, cfg *config.ClusterConfig, providerLogInfo ProviderLogInfo) error {
	ciphertext, err := r.encrypt(cfg)
	if err != nil {
		return err
	}
	record := cacheRecord{Version: config.ConfigCacheVersion, ProviderLogInfo: providerLogInfo, Config: ciphertext}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	dir := filepath.Dir(r.cacheFilePath(hash))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := os.WriteFile(r.cacheFilePath(hash), data, 0o600); err != nil {
		return err
	}
	r.front.SetDefault(hash, cfg)
	return nil
}

func (r *Resolver) encrypt(cfg *config.ClusterConfig) (string, error) {
	plaintext, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(r.secretKey[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (r *Resolver) decrypt(encoded string) (*config.ClusterConfig, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(r.secretKey[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, data := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, err
	}
	var cfg config.ClusterConfig
	if err := json.Unmarshal(plaintext, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DropCache removes the cached entry for hash from both the front-cache
// and the on-disk file, administrative per the expansion in SPEC_FULL.md.
func (r *Resolver) DropCache(hash string) error {
	r.front.Delete(hash)
	err := os.Remove(r.cacheFilePath(hash))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CacheStats reports the in-process front-cache's item count.
func (r *Resolver) CacheStats() int {
	return r.front.ItemCount()
}
