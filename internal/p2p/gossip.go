package p2p

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/wire"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"
)

// PublishTx announces a transaction on the gossip topic.
func (n *Node) PublishTx(tx *wire.MsgTx) error {
	if n.topicTx == nil {
		return errNotStarted
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return fmt.Errorf("serialize tx: %w", err)
	}
	return n.topicTx.Publish(n.ctx, buf.Bytes())
}

func decodeTx(data []byte) (*wire.MsgTx, error) {
	if len(data) > maxTxBytes {
		return nil, fmt.Errorf("transaction of %d bytes exceeds %d", len(data), maxTxBytes)
	}
	tx := new(wire.MsgTx)
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return tx, nil
}

func (n *Node) handleTxMessage(msg *pubsub.Message) {
	from := msg.ReceivedFrom
	n.addPeer(from, "gossip")
	tx, err := decodeTx(msg.Data)
	if err != nil {
		n.BanManager.RecordOffense(from, PenaltyInvalidTx, "malformed gossip tx: "+err.Error())
		return
	}
	if n.txHandler == nil {
		return
	}
	if err := n.txHandler(from, tx); err != nil {
		n.logger.Debug().Str("peer", shortID(from)).Stringer("tx", tx.TxHash()).Err(err).Msg("Gossip tx not accepted")
	}
}

// registerTxHandler serves direct transaction relay. Accepted transactions
// are re-announced on the gossip topic.
func (n *Node) registerTxHandler() {
	n.host.SetStreamHandler(TxProtocol, func(stream network.Stream) {
		defer stream.Close()
		from := stream.Conn().RemotePeer()
		_ = stream.SetDeadline(time.Now().Add(defaultRequestTimeout))

		var req TxMessage
		if err := json.NewDecoder(io.LimitReader(stream, 2*maxTxBytes)).Decode(&req); err != nil {
			_ = stream.Reset()
			return
		}
		ack := TxAck{}
		tx, err := decodeTx(req.Tx)
		switch {
		case err != nil:
			n.BanManager.RecordOffense(from, PenaltyInvalidTx, "malformed relayed tx: "+err.Error())
			ack.Error = err.Error()
		case n.txHandler != nil:
			if err := n.txHandler(from, tx); err != nil {
				ack.Error = err.Error()
			}
		}
		if ack.Error == "" {
			if err := n.PublishTx(tx); err != nil {
				n.logger.Debug().Err(err).Msg("Relay publish failed")
			}
		}
		_ = json.NewEncoder(stream).Encode(&ack)
	})
}
