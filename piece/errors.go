package piece

import "github.com/relaylabs/gorent/xerrors"

var (
	errPieceHashCountMismatch = xerrors.New(xerrors.Configuration, "number of piece hashes does not match computed piece count")
	errBlockIndexOutOfRange   = xerrors.New(xerrors.ProtocolViolation, "piece index out of range")
	errBlockOutOfRange        = xerrors.New(xerrors.ProtocolViolation, "block offset/length out of range for piece")
)
