package rtpmedia

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-resty/resty/v2"

	"github.com/halyard-ai/voicebridge/pkg/commons"
)

// ARIClient provisions ExternalMedia channels on the switch's control API.
// One client is shared process-wide; every call gets a fresh provisioning
// round trip because the reported RTP endpoint is authoritative per call.
type ARIClient struct {
	http   *resty.Client
	app    string
	logger commons.Logger
}

// MediaChannel is the provisioning result for one call.
type MediaChannel struct {
	ChannelID string
	// Host/Port is where the switch listens for our outbound RTP.
	Host string
	Port int
}

// NewARIClient builds a client against the switch's REST base URL.
func NewARIClient(baseURL, user, password, app string, logger commons.Logger) *ARIClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetBasicAuth(user, password)
	return &ARIClient{http: c, app: app, logger: logger}
}

// CreateExternalMedia creates the switch-side media channel pointed at our
// local RTP socket and reads back the switch's own RTP address. The reply
// must not be cached across calls.
func (c *ARIClient) CreateExternalMedia(ctx context.Context, callID, externalHost string) (*MediaChannel, error) {
	var created struct {
		ID string `json:"id"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"app":           c.app,
			"channelId":     callID,
			"external_host": externalHost,
			"format":        "slin16",
			"encapsulation": "rtp",
			"transport":     "udp",
			"direction":     "both",
		}).
		SetResult(&created).
		Post("/ari/channels/externalMedia")
	if err != nil {
		return nil, fmt.Errorf("rtpmedia: creating external media channel: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("rtpmedia: external media create returned %d: %s", resp.StatusCode(), resp.String())
	}
	channelID := created.ID
	if channelID == "" {
		channelID = callID
	}

	host, err := c.channelVariable(ctx, channelID, "UNICASTRTP_LOCAL_ADDRESS")
	if err != nil {
		return nil, err
	}
	portStr, err := c.channelVariable(ctx, channelID, "UNICASTRTP_LOCAL_PORT")
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("rtpmedia: switch reported non-numeric RTP port %q", portStr)
	}

	c.logger.Infow("external media channel provisioned",
		"channel_id", channelID, "rtp_host", host, "rtp_port", port)
	return &MediaChannel{ChannelID: channelID, Host: host, Port: port}, nil
}

// ContinueDialplan asks the switch to resume its dialplan for the channel,
// the "transfer to operator" side-channel.
func (c *ARIClient) ContinueDialplan(ctx context.Context, channelID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post(fmt.Sprintf("/ari/channels/%s/continue", channelID))
	if err != nil {
		return fmt.Errorf("rtpmedia: continue dialplan on %s: %w", channelID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("rtpmedia: continue dialplan on %s returned %d", channelID, resp.StatusCode())
	}
	return nil
}

// Hangup deletes the media channel. A 404 is treated as success so teardown
// stays idempotent.
func (c *ARIClient) Hangup(ctx context.Context, channelID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Delete(fmt.Sprintf("/ari/channels/%s", channelID))
	if err != nil {
		return fmt.Errorf("rtpmedia: hangup on %s: %w", channelID, err)
	}
	if resp.IsError() && resp.StatusCode() != 404 {
		return fmt.Errorf("rtpmedia: hangup on %s returned %d", channelID, resp.StatusCode())
	}
	return nil
}

func (c *ARIClient) channelVariable(ctx context.Context, channelID, name string) (string, error) {
	var result struct {
		Value string `json:"value"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("variable", name).
		SetResult(&result).
		Get(fmt.Sprintf("/ari/channels/%s/variable", channelID))
	if err != nil {
		return "", fmt.Errorf("rtpmedia: reading %s on %s: %w", name, channelID, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("rtpmedia: reading %s on %s returned %d", name, channelID, resp.StatusCode())
	}
	return result.Value, nil
}
