// Package protocol holds the packet arithmetic of GATT writes.
package protocol

// ATTHeaderBytes is the ATT write header (opcode + handle) every packet
// carries inside the MTU.
const ATTHeaderBytes = 3

// DefaultMTU is the ATT MTU every link starts with before negotiation.
const DefaultMTU = 23

// DefaultChunkSize is the payload per packet at DefaultMTU.
const DefaultChunkSize = DefaultMTU - ATTHeaderBytes

// ChunkSize returns the payload bytes per packet for a link with the given
// MTU. An unknown MTU (zero or negative) yields fallback. The result is never
// below 1.
func ChunkSize(mtu, fallback int) int {
	size := fallback
	if mtu > 0 {
		size = mtu - ATTHeaderBytes
	}
	if size < 1 {
		return 1
	}
	return size
}

// Split cuts payload into consecutive chunks of at most size bytes. An empty
// payload yields a single empty chunk, so a write always sends one packet.
// Chunks alias payload.
func Split(payload []byte, size int) [][]byte {
	if size < 1 {
		size = 1
	}
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	n := (len(payload) + size - 1) / size
	chunks := make([][]byte, 0, n)
	for len(payload) > 0 {
		end := size
		if len(payload) < end {
			end = len(payload)
		}
		chunks = append(chunks, payload[:end:end])
		payload = payload[end:]
	}
	return chunks
}

// Count returns the number of packets Split produces for a payload of
// length n.
func Count(n, size int) int {
	if size < 1 {
		size = 1
	}
	if n <= 0 {
		return 1
	}
	return (n + size - 1) / size
}
