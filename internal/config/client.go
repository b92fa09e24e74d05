package config

import (
	"errors"

	"github.com/meshtalk/callkit/internal/helpers"
)

// ClientConfig holds everything a call client device needs to reach the
// signaling servers and to identify itself to other devices of the same
// account.
type ClientConfig struct {
	IsProduction bool `env:"IS_PRODUCTION" envDefault:"false"`
	UseTls       bool `env:"USE_TLS" envDefault:"false"`

	// Servers
	CallServerAddr  string `env:"CALL_SERVER_ADDR,required"`
	RelayServerAddr string `env:"RELAY_SERVER_ADDR,required"`

	// Identity
	MyID       string `env:"MY_ID,required"`
	MyDeviceID int    `env:"MY_DEVICE_ID" envDefault:"1"`
	MyName     string `env:"MY_NAME,required"`
	AuthToken  string `env:"AUTH_TOKEN,required"`

	// PKE keys for control-message encryption
	PkePrivateKeyStr            string `env:"PKE_PRIVATE_KEY,required"`
	PkePublicKeyStr             string `env:"PKE_PUBLIC_KEY,required"`
	PkePrivateKey, PkePublicKey []byte
}

func (conf *ClientConfig) ParseKeysAsBytes() error {
	if conf == nil {
		return errors.New("failed to parse keys as bytes")
	}

	var err error

	conf.PkePrivateKey, err = helpers.DecodeHex(conf.PkePrivateKeyStr)
	if err != nil {
		return err
	}
	conf.PkePublicKey, err = helpers.DecodeHex(conf.PkePublicKeyStr)
	if err != nil {
		return err
	}

	return nil
}
