package ota

import "errors"

var (
	ErrInvalidMagic     = errors.New("ota: invalid magic")
	ErrChecksumMismatch = errors.New("ota: checksum mismatch")
	ErrNoValidReplica   = errors.New("ota: no valid replica")
	ErrImageNotBootable = errors.New("ota: image not bootable")
	ErrUnrecoverable    = errors.New("ota: no slot bootable")
)
