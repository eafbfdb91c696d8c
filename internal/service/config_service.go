// internal/service/config_service.go
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/linhtrum/gateway-app-sub000/internal/config"
	"github.com/linhtrum/gateway-app-sub000/internal/device"
	"github.com/linhtrum/gateway-app-sub000/internal/modbus"
	"github.com/linhtrum/gateway-app-sub000/internal/model"
	"github.com/linhtrum/gateway-app-sub000/internal/repository"
	"github.com/linhtrum/gateway-app-sub000/internal/utils"
)

// Keys of the documents kept in the configuration store
const (
	KeyDevices = "devices"
	KeySerial  = "serial"
	KeySockets = "sockets"
)

// KnownKeys lists the documents the gateway reads at startup
var KnownKeys = []string{KeyDevices, KeySerial, KeySockets}

// ConfigService reads and replaces the configuration documents
type ConfigService struct {
	store    repository.KVStore
	loader   *device.Loader
	registry *device.Registry
	config   *config.Config
	events   EventPublisher

	logger      *utils.ServiceLogger
	auditLogger *utils.AuditLogger
}

// NewConfigService creates a new config service instance
func NewConfigService(
	store repository.KVStore,
	registry *device.Registry,
	cfg *config.Config,
	events EventPublisher,
	logger *zap.Logger,
) *ConfigService {
	return &ConfigService{
		store:       store,
		loader:      device.NewLoader(logger),
		registry:    registry,
		config:      cfg,
		events:      events,
		logger:      utils.NewServiceLogger(logger, "config-service"),
		auditLogger: utils.NewAuditLogger(logger),
	}
}

// Seed copies <key>.json from dir into the store for every known key the
// store does not hold yet.
func (cs *ConfigService) Seed(ctx context.Context, dir string) error {
	if dir == "" {
		return nil
	}
	for _, key := range KnownKeys {
		if _, err := cs.store.Get(ctx, key); err == nil {
			continue
		} else if !errors.Is(err, repository.ErrKeyNotFound) {
			return err
		}

		data, err := os.ReadFile(filepath.Join(dir, key+".json"))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to read seed %s: %w", key, err)
		}
		if _, err := cs.validate(key, data); err != nil {
			return fmt.Errorf("invalid seed %s: %w", key, err)
		}
		if err := cs.store.Set(ctx, key, data); err != nil {
			return err
		}
		cs.logger.Info("Configuration seeded", zap.String("key", key), zap.Int("size", len(data)))
	}
	return nil
}

// LoadDevices parses the stored device document and installs it in the
// registry. A missing document installs an empty list.
func (cs *ConfigService) LoadDevices(ctx context.Context) ([]*model.Device, error) {
	data, err := cs.document(ctx, KeyDevices)
	if err != nil {
		return nil, err
	}
	devices, err := cs.loader.LoadConfiguration(data)
	if err != nil {
		return nil, err
	}
	cs.install(devices)
	return devices, nil
}

func (cs *ConfigService) install(devices []*model.Device) {
	cs.registry.Replace(devices)
	cs.logger.Info("Devices loaded", zap.Int("devices", len(devices)))
}

// SerialConfigs returns the stored serial ports with defaults applied.
// Invalid entries are skipped.
func (cs *ConfigService) SerialConfigs(ctx context.Context) ([]model.SerialConfig, error) {
	data, err := cs.document(ctx, KeySerial)
	if err != nil {
		return nil, err
	}
	configs, err := cs.parseSerial(data)
	if err != nil {
		return nil, err
	}
	out := make([]model.SerialConfig, 0, len(configs))
	for _, sc := range configs {
		if err := sc.Validate(); err != nil {
			cs.logger.Warn("Skipping invalid serial port", zap.Error(err))
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

// SocketConfigs returns the stored gateway sockets
func (cs *ConfigService) SocketConfigs(ctx context.Context) ([]model.SocketConfig, error) {
	data, err := cs.document(ctx, KeySockets)
	if err != nil {
		return nil, err
	}
	var configs []model.SocketConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("failed to parse socket configuration: %w", err)
	}
	return configs, nil
}

// Get returns a stored document
func (cs *ConfigService) Get(ctx context.Context, key string) (json.RawMessage, error) {
	data, err := cs.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// Keys lists the stored documents
func (cs *ConfigService) Keys(ctx context.Context) ([]string, error) {
	return cs.store.Keys(ctx)
}

// Set validates and stores a document. A new device document is applied
// immediately; port and socket changes take effect on restart.
func (cs *ConfigService) Set(ctx context.Context, key string, data []byte, clientIP string) error {
	devices, err := cs.validate(key, data)
	if err != nil {
		cs.auditLogger.LogConfigChange(key, clientIP, len(data), false)
		return err
	}
	if err := cs.store.Set(ctx, key, data); err != nil {
		cs.auditLogger.LogConfigChange(key, clientIP, len(data), false)
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	cs.auditLogger.LogConfigChange(key, clientIP, len(data), true)

	if key == KeyDevices {
		cs.install(devices)
	}

	if cs.events != nil {
		cs.events.PublishEvent(model.NewEvent(model.EventConfigUpdate, "config-service", map[string]interface{}{
			"key":  key,
			"size": len(data),
		}))
	}
	return nil
}

// validate checks that data is JSON and, for the known keys, that it
// parses into the expected configuration. A device document is returned
// parsed so it is loaded only once.
func (cs *ConfigService) validate(key string, data []byte) ([]*model.Device, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: %s is not valid JSON", modbus.ErrInvalid, key)
	}
	switch key {
	case KeyDevices:
		devices, err := cs.loader.LoadConfiguration(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", modbus.ErrInvalid, err)
		}
		return devices, nil
	case KeySerial:
		configs, err := cs.parseSerial(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", modbus.ErrInvalid, err)
		}
		for _, sc := range configs {
			if err := sc.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %v", modbus.ErrInvalid, err)
			}
		}
	case KeySockets:
		var configs []model.SocketConfig
		if err := json.Unmarshal(data, &configs); err != nil {
			return nil, fmt.Errorf("%w: %v", modbus.ErrInvalid, err)
		}
		for _, sc := range configs {
			if err := sc.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %v", modbus.ErrInvalid, err)
			}
		}
	}
	return nil, nil
}

func (cs *ConfigService) parseSerial(data []byte) ([]model.SerialConfig, error) {
	var configs []model.SerialConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("failed to parse serial configuration: %w", err)
	}
	if cs.config != nil {
		for i := range configs {
			configs[i] = cs.config.ApplySerialDefaults(configs[i])
		}
	}
	return configs, nil
}

// document returns the stored value of key, or an empty array if unset
func (cs *ConfigService) document(ctx context.Context, key string) ([]byte, error) {
	data, err := cs.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrKeyNotFound) {
			return []byte("[]"), nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}
