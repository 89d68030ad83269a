package main

// PayloadRequest mirrors plugin.PayloadRequest on the host side.
type PayloadRequest struct {
	AppID  uint8 `json:"app_id"`
	Length int   `json:"length"`
}

// Config is passed to plugin_init.
type Config struct {
	// Pattern is repeated over the payload, the app id is added to every byte
	Pattern string `json:"pattern" default:"tgctl"`
	// Seed offsets the pattern
	Seed int `json:"seed" default:"0"`
}
