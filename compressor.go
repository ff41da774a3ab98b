package rudp

// Compressor shrinks a datagram's command region before send and expands
// it again on receive (spec §4.6, §9 design note on injected services).
// A nil Compressor on Host means no compression.
type Compressor interface {
	Compress(in []byte) []byte
	Decompress(in []byte, expanded int) ([]byte, error)
}

// chamberCompressor adapts a Compressor to chamber.Compressor, which only
// needs the send-side half; Decompress is applied by the Host on receive,
// before the chamber ever sees the bytes.
type chamberCompressor struct {
	c Compressor
}

func (a chamberCompressor) Compress(in []byte) []byte { return a.c.Compress(in) }
