package main

// #include <stdlib.h>
import "C"

import (
	"runtime"
	"unsafe"
)

const (
	logDebug uint32 = iota
	logInfo
	logWarn
	logError
)

//go:wasmimport env host_log
func host_log(level uint32, msgPtr uint32, msgLen uint32)

func log(level uint32, msg string) {
	if len(msg) == 0 {
		return
	}
	ptr, size := stringToPtr(msg)
	host_log(level, ptr, size)
	runtime.KeepAlive(msg)
}

func bytesFrom(ptr, size uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size)
}

// stringToPtr aliases s, keep s alive while ptr is used.
func stringToPtr(s string) (uint32, uint32) {
	ptr := unsafe.Pointer(unsafe.StringData(s))
	return uint32(uintptr(ptr)), uint32(len(s))
}

// keep malloc/free exported by the TinyGo runtime
var _ = C.malloc
