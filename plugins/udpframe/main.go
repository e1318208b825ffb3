// Command udpframe is a frame generator plugin producing Ethernet/IPv4/UDP
// frames. Build it with
//
//	tinygo build -o udpframe.wasm -target=wasip1 -buildmode=c-shared .
//
// TinyGo exports malloc and free, which the host uses to pass buffers.
package main

import (
	"encoding/hex"
	"encoding/json"
	"unsafe"

	"github.com/mcuadros/go-defaults"
)

func main() {}

//go:wasmexport plugin_init
func plugin_init(configPtr, configLen uint32) uint32 {
	log(levelInfo, "udpframe initialized: "+PtrToString(configPtr, configLen))
	return 0
}

//go:wasmexport plugin_process
func plugin_process(inputPtr, inputLen, outputPtr, outputMaxLen uint32) int32 {
	in := BytesFrom(inputPtr, inputLen)
	if len(in) == 0 {
		log(levelError, "empty input")
		return -1
	}

	var req FrameRequest
	defaults.SetDefaults(&req)
	if err := json.Unmarshal(in, &req); err != nil {
		log(levelError, "json unmarshal failed: "+err.Error())
		return -2
	}

	var res FrameResponse
	data, err := BuildUDPFrame(req)
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Frame = hex.EncodeToString(data)
		report_metric("udpframe_frame_bytes", float64(len(data)), 0)
	}

	out, err := json.Marshal(res)
	if err != nil {
		log(levelError, "json marshal failed: "+err.Error())
		return -3
	}
	if uint32(len(out)) > outputMaxLen {
		log(levelError, "output buffer too small")
		return -4
	}
	copy(BytesFrom(outputPtr, outputMaxLen), out)
	return int32(len(out))
}

//go:wasmexport plugin_cleanup
func plugin_cleanup() {
	log(levelDebug, "udpframe cleanup")
}

func BytesFrom(ptr, size uint32) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), size)
}

func PtrToString(ptr uint32, size uint32) string {
	return unsafe.String((*byte)(unsafe.Pointer(uintptr(ptr))), size)
}

// StringToPtr returns a pointer and size pair aliasing s; s must stay alive
// until ptr is no longer used.
func StringToPtr(s string) (uint32, uint32) {
	ptr := unsafe.Pointer(unsafe.StringData(s))
	return uint32(uintptr(ptr)), uint32(len(s))
}
