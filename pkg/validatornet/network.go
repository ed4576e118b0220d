// Package validatornet adapts the validator core's committee-addressed
// messaging needs onto a libp2p transport: pubsub topics for proposals,
// blocks and votes, slot-addressed unicast streams, and a pubsub-distributed
// identity registry that lets a validator discover which peer holds
// which committee slot without out-of-band configuration.
package validatornet

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/albatross-chain/validator/pkg/blssig"
	"github.com/albatross-chain/validator/pkg/committee"
	"github.com/albatross-chain/validator/pkg/signed"
	"github.com/albatross-chain/validator/pkg/util"
)

const (
	// TopicProposal carries Tendermint macro-block proposals. Validity is
	// checked at the application level (signature + proposer slot), not
	// by the pubsub layer, so it is joined with gossip-level validation
	// disabled.
	TopicProposal = "tendermint-proposal"
	// TopicBlocks carries finalized micro and macro blocks.
	TopicBlocks = "blocks"
	// TopicVotes carries view-change votes and Tendermint
	// prevote/precommit votes, tagged by kind so every committee member
	// can decode an incoming vote without first knowing which phase the
	// sender is in.
	TopicVotes = "tendermint-vote"
	// topicIdentity carries validators' signed peer-id/public-key
	// bindings, letting committee members discover each other's libp2p
	// peer identity from their BLS public key alone.
	topicIdentity = "validator-identity"

	protocolVote = protocol.ID("/albatross-validator/vote/1.0.0")
)

// InboundMessage is a unicast vote delivered to this validator, tagged
// with the committee slot of whoever sent it.
type InboundMessage struct {
	From committee.Id
	Data []byte
}

// ValidatorNetwork is the transport contract the validator core depends
// on: per-committee-slot addressing (not raw peer IDs), pubsub
// broadcast, and a local cache for data exchanged out of band (e.g.
// macro block bodies too large to repeat on every vote).
type ValidatorNetwork interface {
	SetPublicKey(idx committee.Id, pk *blssig.PublicKey)
	GetValidatorPeer(idx committee.Id) (peer.ID, bool)
	SendTo(ctx context.Context, idx committee.Id, data []byte) error
	Receive() <-chan InboundMessage
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string) (<-chan []byte, error)
	Cache(key string, value []byte)
	CacheGet(key string) ([]byte, bool)
}

// Network is a libp2p-backed ValidatorNetwork.
type Network struct {
	h   host.Host
	ps  *pubsub.PubSub
	log util.Logger

	selfIdx committee.Id
	selfKp  *blssig.KeyPair

	mu         sync.RWMutex
	slotPeer   map[committee.Id]peer.ID
	slotPubKey map[committee.Id]*blssig.PublicKey

	cacheMu sync.RWMutex
	cache   map[string][]byte

	inbound chan InboundMessage

	topicsMu sync.Mutex
	topics   map[string]*pubsub.Topic
}

// Config configures a new validatornet.Network.
type Config struct {
	ListenAddr string
	Bootstrap  []string
	SelfIdx    committee.Id
	SelfKey    *blssig.KeyPair
	Logger     util.Logger
}

// New starts a libp2p host, joins the gossip-sub router, and begins
// publishing this validator's signed identity record.
func New(ctx context.Context, cfg Config) (*Network, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("parse listen addr: %w", err)
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("start libp2p host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("start gossipsub: %w", err)
	}

	n := &Network{
		h:          h,
		ps:         ps,
		log:        cfg.Logger,
		selfIdx:    cfg.SelfIdx,
		selfKp:     cfg.SelfKey,
		slotPeer:   make(map[committee.Id]peer.ID),
		slotPubKey: make(map[committee.Id]*blssig.PublicKey),
		cache:      make(map[string][]byte),
		inbound:    make(chan InboundMessage, 256),
		topics:     make(map[string]*pubsub.Topic),
	}

	for _, addr := range cfg.Bootstrap {
		if err := connect(ctx, h, addr); err != nil && n.log != nil {
			n.log.Warnw("bootstrap connect failed", "addr", addr, "err", err)
		}
	}

	h.SetStreamHandler(protocolVote, n.handleVoteStream)

	if cfg.SelfKey != nil {
		if err := n.publishIdentity(ctx); err != nil {
			return nil, fmt.Errorf("publish identity: %w", err)
		}
	}
	if err := n.listenIdentity(ctx); err != nil {
		return nil, fmt.Errorf("subscribe identity topic: %w", err)
	}

	if n.log != nil {
		n.log.Infow("validator network ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
	return n, nil
}

func connect(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

// SetPublicKey records which public key is bound to committee slot idx,
// so that an identity record naming that key can be matched to a peer.
func (n *Network) SetPublicKey(idx committee.Id, pk *blssig.PublicKey) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.slotPubKey[idx] = pk
}

// GetValidatorPeer returns the libp2p peer ID bound to committee slot
// idx, once its identity record has been received.
func (n *Network) GetValidatorPeer(idx committee.Id) (peer.ID, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.slotPeer[idx]
	return p, ok
}

// SendTo unicasts data to the peer bound to committee slot idx over a
// dedicated libp2p stream.
func (n *Network) SendTo(ctx context.Context, idx committee.Id, data []byte) error {
	target, ok := n.GetValidatorPeer(idx)
	if !ok {
		return fmt.Errorf("validatornet: no known peer for committee slot %d", idx)
	}
	stream, err := n.h.NewStream(ctx, target, protocolVote)
	if err != nil {
		return fmt.Errorf("open vote stream: %w", err)
	}
	defer stream.Close()

	msg := wireMessage{From: n.selfIdx, Data: data}
	encoded, err := gobEncode(msg)
	if err != nil {
		return err
	}
	if _, err := stream.Write(encoded); err != nil {
		return fmt.Errorf("write vote stream: %w", err)
	}
	return nil
}

// Receive exposes unicast votes delivered to this validator.
func (n *Network) Receive() <-chan InboundMessage { return n.inbound }

func (n *Network) handleVoteStream(s network.Stream) {
	defer s.Close()
	var msg wireMessage
	if err := gob.NewDecoder(s).Decode(&msg); err != nil {
		if n.log != nil {
			n.log.Warnw("discarding malformed vote stream", "err", err)
		}
		return
	}
	select {
	case n.inbound <- InboundMessage{From: msg.From, Data: msg.Data}:
	default:
		if n.log != nil {
			n.log.Warnw("inbound vote queue full, dropping message", "from", msg.From)
		}
	}
}

// Publish broadcasts data on topic.
func (n *Network) Publish(ctx context.Context, topic string, data []byte) error {
	t, err := n.joinTopic(topic)
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// Subscribe joins topic and returns a channel of its raw message
// payloads.
func (n *Network) Subscribe(topic string) (<-chan []byte, error) {
	t, err := n.joinTopic(topic)
	if err != nil {
		return nil, err
	}
	sub, err := t.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("subscribe topic %s: %w", topic, err)
	}
	out := make(chan []byte, 256)
	go func() {
		ctx := context.Background()
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				close(out)
				return
			}
			select {
			case out <- msg.Data:
			default:
				if n.log != nil {
					n.log.Warnw("subscriber queue full, dropping message", "topic", topic)
				}
			}
		}
	}()
	return out, nil
}

func (n *Network) joinTopic(topic string) (*pubsub.Topic, error) {
	n.topicsMu.Lock()
	defer n.topicsMu.Unlock()
	if t, ok := n.topics[topic]; ok {
		return t, nil
	}
	t, err := n.ps.Join(topic)
	if err != nil {
		return nil, fmt.Errorf("join topic %s: %w", topic, err)
	}
	n.topics[topic] = t
	return t, nil
}

// Cache stores value for later retrieval by key, used to hold large
// payloads (e.g. a proposed macro block body) referenced by hash in
// vote messages instead of repeating them on every vote.
func (n *Network) Cache(key string, value []byte) {
	n.cacheMu.Lock()
	defer n.cacheMu.Unlock()
	n.cache[key] = value
}

// CacheGet retrieves a value previously stored with Cache.
func (n *Network) CacheGet(key string) ([]byte, bool) {
	n.cacheMu.RLock()
	defer n.cacheMu.RUnlock()
	v, ok := n.cache[key]
	return v, ok
}

// Close shuts down the underlying libp2p host.
func (n *Network) Close() error {
	return n.h.Close()
}

type wireMessage struct {
	From committee.Id
	Data []byte
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

// identityRecord is the wire form of a validator's peer-id/public-key
// binding, signed as a proof of knowledge of the corresponding secret
// key.
type identityRecord struct {
	SlotIdx committee.Id
	Signed  signed.SignedMessage[signed.ProofOfKnowledge]
}

func (n *Network) publishIdentity(ctx context.Context) error {
	pkBytes, err := blssig.MarshalPublicKey(n.selfKp.Public)
	if err != nil {
		return fmt.Errorf("marshal own public key: %w", err)
	}
	pok := signed.ProofOfKnowledge{
		PeerID:    []byte(n.h.ID()),
		PublicKey: pkBytes,
	}
	sm, err := signed.Sign(pok, uint16(n.selfIdx), n.selfKp)
	if err != nil {
		return fmt.Errorf("sign identity record: %w", err)
	}
	rec := identityRecord{SlotIdx: n.selfIdx, Signed: sm}
	data, err := gobEncode(rec)
	if err != nil {
		return err
	}
	return n.Publish(ctx, topicIdentity, data)
}

func (n *Network) listenIdentity(ctx context.Context) error {
	msgs, err := n.Subscribe(topicIdentity)
	if err != nil {
		return err
	}
	go func() {
		for data := range msgs {
			var rec identityRecord
			if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
				continue
			}
			n.mu.RLock()
			pk, known := n.slotPubKey[rec.SlotIdx]
			n.mu.RUnlock()
			if !known {
				continue
			}
			if !rec.Signed.Verify(pk) {
				if n.log != nil {
					n.log.Warnw("rejecting identity record with invalid proof of knowledge",
						"slot", rec.SlotIdx, "claimed_key", committee.Fingerprint(pk))
				}
				continue
			}
			p, err := peer.IDFromBytes(rec.Signed.Message.PeerID)
			if err != nil {
				continue
			}
			n.mu.Lock()
			n.slotPeer[rec.SlotIdx] = p
			n.mu.Unlock()
		}
	}()
	return nil
}
