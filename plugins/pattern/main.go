// Command pattern is a payload plugin for tgctl. Build with
//
//	tinygo build -o pattern.wasm -target=wasi -buildmode=c-shared .
package main

import (
	"encoding/json"
	"strconv"

	"github.com/mcuadros/go-defaults"
)

func main() {}

var cfg = newConfig()

func newConfig() Config {
	var c Config
	defaults.SetDefaults(&c)
	return c
}

//go:wasmexport plugin_init
func plugin_init(configPtr, configLen uint32) uint32 {
	c := newConfig()
	if configLen > 0 {
		if err := json.Unmarshal(bytesFrom(configPtr, configLen), &c); err != nil {
			log(logError, "config unmarshal failed: "+err.Error())
			return 1
		}
	}
	if len(c.Pattern) == 0 {
		log(logError, "empty pattern")
		return 2
	}
	cfg = c
	log(logInfo, "pattern plugin initialized: pattern="+cfg.Pattern)
	return 0
}

//go:wasmexport plugin_process
func plugin_process(inputPtr, inputLen, outputPtr, outputMaxLen uint32) int32 {
	in := bytesFrom(inputPtr, inputLen)
	if len(in) == 0 {
		log(logError, "empty input")
		return -1
	}

	var req PayloadRequest
	if err := json.Unmarshal(in, &req); err != nil {
		log(logError, "json unmarshal failed: "+err.Error())
		return -2
	}
	if req.Length < 0 || uint32(req.Length) > outputMaxLen {
		log(logError, "payload length out of range: "+strconv.Itoa(req.Length))
		return -4
	}

	out := bytesFrom(outputPtr, uint32(req.Length))
	for i := range out {
		out[i] = cfg.Pattern[(i+cfg.Seed)%len(cfg.Pattern)] + req.AppID
	}
	log(logDebug, "payload built for app "+strconv.Itoa(int(req.AppID)))
	return int32(req.Length)
}

//go:wasmexport plugin_cleanup
func plugin_cleanup() {
	log(logDebug, "pattern plugin cleanup")
}
