package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every process environment variable.
const EnvPrefix = "POSEFUSION_"

// Env holds process settings that vary per deployment rather than per robot.
type Env struct {
	ConfigPath  string        `env:"CONFIG"       envDefault:"posefusion.yaml"`
	LogLevel    string        `env:"LOG_LEVEL"    envDefault:"ops"`
	HTTPListen  string        `env:"HTTP_LISTEN"  envDefault:"localhost:8090"`
	DatalogPath string        `env:"DATALOG_PATH"`
	MQTTURL     string        `env:"MQTT_URL"`
	MQTTPrefix  string        `env:"MQTT_PREFIX"  envDefault:"posefusion"`
	MQTTClient  string        `env:"MQTT_CLIENT"`
	MQTTQoS     byte          `env:"MQTT_QOS"     envDefault:"0"`
	MQTTTimeout time.Duration `env:"MQTT_TIMEOUT" envDefault:"5s"`
}

// LoadEnv parses POSEFUSION_* variables. environ overrides the process
// environment when non-nil, which tests use.
func LoadEnv(environ map[string]string) (*Env, error) {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	e := Env{}
	if err := env.ParseWithOptions(&e, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if e.MQTTQoS > 2 {
		return nil, fmt.Errorf("%sMQTT_QOS must be 0, 1 or 2, got %d", EnvPrefix, e.MQTTQoS)
	}
	return &e, nil
}
