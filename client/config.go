package client

import (
	"fmt"
	"os"
	"time"
)

// Known rtu_client_type values. Anything else is reported as "unknown".
const (
	ClientTypeOrigami    = "origami"
	ClientTypeOrigamist  = "origamist"
	ClientTypePlanarAlly = "planar_ally"
	ClientTypeGeas       = "geas"
	ClientTypeUnknown    = "unknown"
)

// Config parameterizes an RTUClient. Fields carry go-flags tags so commands
// can embed it directly; the token falls back to the NOTEABLE_TOKEN
// environment variable.
type Config struct {
	APIBaseURL string `long:"api-url" env:"NOTEABLE_API_URL" default:"https://app.noteable.io/gate/api" description:"Base URL of the gate REST API"`
	Token      string `long:"token" env:"NOTEABLE_TOKEN" description:"Bearer token used for REST and RTU authentication"`
	ClientType string `long:"client-type" env:"NOTEABLE_CLIENT_TYPE" default:"origami" description:"rtu_client_type reported on authentication"`

	// FileSubscribeTimeout bounds the wait for a subscribe_reply. A client
	// that never receives one would otherwise hang forever waiting for
	// catch-up deltas.
	FileSubscribeTimeout time.Duration `long:"subscribe-timeout" default:"10s" description:"How long to wait for the file subscribe reply"`
	// ReconnectDelay scales the websocket redial back-off.
	ReconnectDelay time.Duration `long:"reconnect-delay" default:"1s" description:"Base delay between websocket reconnect attempts"`
}

// Validate checks required fields and fills defaults for zero values, for
// configs constructed directly rather than through go-flags.
func (c *Config) Validate() error {
	if c.Token == "" {
		c.Token = os.Getenv("NOTEABLE_TOKEN")
	}
	if c.Token == "" {
		return fmt.Errorf("config: Token is required (set NOTEABLE_TOKEN)")
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = "https://app.noteable.io/gate/api"
	}
	if c.FileSubscribeTimeout == 0 {
		c.FileSubscribeTimeout = 10 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = time.Second
	}
	switch c.ClientType {
	case ClientTypeOrigami, ClientTypeOrigamist, ClientTypePlanarAlly, ClientTypeGeas:
	case "":
		c.ClientType = ClientTypeOrigami
	default:
		c.ClientType = ClientTypeUnknown
	}
	return nil
}
