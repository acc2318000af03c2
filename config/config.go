// Package config is the yaml-backed configuration component wiring the
// store, metric and logging settings into the app container.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/murmur-chat/epochs/app"
	"github.com/murmur-chat/epochs/app/logger"
	"github.com/murmur-chat/epochs/epochstore"
	"github.com/murmur-chat/epochs/metric"
)

const CName = "config"

func NewFromFile(path string) (c *Config, err error) {
	c = &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err = yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return
}

type Config struct {
	Log        logger.Config     `yaml:"log"`
	EpochStore epochstore.Config `yaml:"epochStore"`
	Metric     metric.Config     `yaml:"metric"`
}

func (c *Config) Init(a *app.App) (err error) {
	c.Log.ApplyGlobal()
	return
}

func (c *Config) Name() (name string) {
	return CName
}

func (c *Config) GetEpochStore() epochstore.Config {
	return c.EpochStore
}

func (c *Config) GetMetric() metric.Config {
	return c.Metric
}
