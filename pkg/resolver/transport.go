// Copyright 2025 Certen Protocol
//
// StreamFetcher is the concrete wire transport behind BlockFetcher: a
// single-request-per-stream WANT over a dedicated libp2p protocol ID.
// Deliberately simple (one CID in, one block out, stream closed) rather
// than modeling Bitswap's persistent session/ledger machinery.

package resolver

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// ProtocolID is the libp2p stream protocol a StreamFetcher speaks.
const ProtocolID = protocol.ID("/ipc-fendermint/want/1.0.0")

const maxBlockSize = 32 << 20 // 32MiB, generous for any single FVM-chain block

// StreamFetcher implements BlockFetcher by opening one libp2p stream per
// request: write the requested CID, read back a length-prefixed block (a
// zero length means the peer doesn't have it).
type StreamFetcher struct {
	host host.Host
}

// NewStreamFetcher constructs a StreamFetcher over h. RegisterHandler must
// also be called on a node willing to serve blocks to peers.
func NewStreamFetcher(h host.Host) *StreamFetcher {
	return &StreamFetcher{host: h}
}

var _ BlockFetcher = (*StreamFetcher)(nil)

// FetchBlock implements BlockFetcher.
func (f *StreamFetcher) FetchBlock(ctx context.Context, p peer.ID, c cid.Cid) ([]byte, error) {
	s, err := f.host.NewStream(ctx, p, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open want stream to %s: %w", p, err)
	}
	defer s.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}

	cb := c.Bytes()
	if err := binary.Write(s, binary.BigEndian, uint32(len(cb))); err != nil {
		return nil, fmt.Errorf("write want cid length: %w", err)
	}
	if _, err := s.Write(cb); err != nil {
		return nil, fmt.Errorf("write want cid: %w", err)
	}

	r := bufio.NewReader(s)
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("read want response length: %w", err)
	}
	if size == 0 {
		return nil, fmt.Errorf("peer %s does not have block %s", p, c)
	}
	if size > maxBlockSize {
		return nil, fmt.Errorf("peer %s advertised oversized block (%d bytes)", p, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read want response body: %w", err)
	}
	if got, err := c.Prefix().Sum(data); err != nil || !got.Equals(c) {
		return nil, fmt.Errorf("peer %s returned a block that does not match %s", p, c)
	}
	return data, nil
}

// BlockSource supplies block bytes to the StreamFetcher's server side.
type BlockSource interface {
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
}

// RegisterHandler makes h serve WANT requests for blocks held in src, so
// this node acts as a provider for peers resolving content it already has.
func RegisterHandler(h host.Host, src BlockSource) {
	h.SetStreamHandler(ProtocolID, func(s network.Stream) {
		defer s.Close()

		r := bufio.NewReader(s)
		var cidLen uint32
		if err := binary.Read(r, binary.BigEndian, &cidLen); err != nil {
			return
		}
		cidBytes := make([]byte, cidLen)
		if _, err := io.ReadFull(r, cidBytes); err != nil {
			return
		}
		c, err := cid.Cast(cidBytes)
		if err != nil {
			return
		}

		data, err := src.Get(context.Background(), c)
		if err != nil {
			binary.Write(s, binary.BigEndian, uint32(0))
			return
		}
		if err := binary.Write(s, binary.BigEndian, uint32(len(data))); err != nil {
			return
		}
		s.Write(data)
	})
}
