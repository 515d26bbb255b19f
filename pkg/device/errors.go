package device

import "errors"

var (
	ErrOutOfMemory     = errors.New("device: insufficient device memory")
	ErrInvalidLength   = errors.New("device: invalid buffer length")
	ErrNotHostVisible  = errors.New("device: buffer storage is not host visible")
	ErrBufferReleased  = errors.New("device: buffer released")
	ErrUnmappedAddress = errors.New("device: address is not mapped")
	ErrCompile         = errors.New("device: compile failed")
	ErrLink            = errors.New("device: link failed")
	ErrForeignResource = errors.New("device: resource belongs to another device")
)
