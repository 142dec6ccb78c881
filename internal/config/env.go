package config

import (
	"github.com/caarlos0/env/v11"
)

// Env holds environment overrides for connection settings that vary per
// deployment rather than per fleet.
type Env struct {
	MQTTURL      string `env:"MQTT_URL" envDefault:"tcp://localhost:1883"`
	MQTTUsername string `env:"MQTT_USERNAME"`

	PGHost     string `env:"PGHOST" envDefault:"127.0.0.1"`
	PGPort     string `env:"PGPORT" envDefault:"5432"`
	PGUser     string `env:"PGUSER" envDefault:"troupe"`
	PGDatabase string `env:"PGDATABASE"`

	APIPort int `env:"API_PORT"`
}

// LoadEnv parses environment overrides.
func LoadEnv() (*Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return nil, err
	}
	return &e, nil
}
