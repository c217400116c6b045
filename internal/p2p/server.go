// Package p2p implements the node's gossip HTTP surface (spec.md §4.8): a
// chi-routed JSON API for transaction/block/BFT-message propagation, peer
// exchange, identity proofs, and state/chain snapshot transfer, fronted by
// a five-step ingress pipeline and backed by a concurrency-capped egress
// broadcaster.
//
// Grounded on the teacher's core/network.go (libp2p host + gossipsub
// Node) and core/peer_management.go (PeerManagement wrapper), extended
// with the spec's plain HTTP/JSON endpoints via the teacher's
// github.com/go-chi/chi/v5 dependency.
package p2p

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"coc-node/internal/bft"
	"coc-node/internal/chain"
	"coc-node/internal/metrics"
	"coc-node/internal/p2p/discovery"
	"coc-node/internal/p2p/noncetracker"
	"coc-node/internal/signer"
	"coc-node/internal/types"
)

var log = logrus.WithField("component", "p2p")

// maxBodyBytes is the ingress body-size cap (spec.md §4.8 step 3).
const maxBodyBytes = 2 * 1024 * 1024

// ProtocolTag identifies this wire protocol version in /p2p/node-info
// responses.
const ProtocolTag = "coc-node/1"

// Config are the spec.md §6 tunables the server itself needs (peer/
// discovery/broadcast tunables live in their own sub-package configs).
type Config struct {
	SelfID               string
	AuthMode             string // off | monitor | enforce
	RateLimitWindow      time.Duration
	RateLimitMax         int
	BroadcastConcurrency int
}

func (c Config) withDefaults() Config {
	if c.AuthMode == "" {
		c.AuthMode = "enforce"
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = 60 * time.Second
	}
	if c.RateLimitMax == 0 {
		c.RateLimitMax = 240
	}
	if c.BroadcastConcurrency == 0 {
		c.BroadcastConcurrency = 5
	}
	return c
}

// Server is the node's gossip HTTP surface.
type Server struct {
	cfg Config

	engine *chain.Engine
	bftC   *bft.Coordinator
	disc   *discovery.Discovery
	sign   *signer.Signer
	nonces *noncetracker.Tracker
	coll   *metrics.Collectors
	hub    *PubSubHub

	rate        *RateLimiter
	seenBlocks  *dedupSet
	seenTxs     *dedupSet
	broadcaster *Broadcaster

	router chi.Router
}

// New wires every dependency into a router-ready Server.
func New(cfg Config, engine *chain.Engine, bftC *bft.Coordinator, disc *discovery.Discovery, sign *signer.Signer, nonces *noncetracker.Tracker, coll *metrics.Collectors) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg: cfg, engine: engine, bftC: bftC, disc: disc, sign: sign, nonces: nonces, coll: coll,
		rate:        NewRateLimiter(cfg.RateLimitWindow, cfg.RateLimitMax),
		seenBlocks:  newDedupSet(4096),
		seenTxs:     newDedupSet(16384),
		broadcaster: NewBroadcaster(cfg.BroadcastConcurrency, disc),
	}
	s.router = s.buildRouter()
	return s
}

// Router returns the chi router for embedding into an http.Server.
func (s *Server) Router() http.Handler { return s.router }

// AttachPubSub wires a libp2p gossipsub hub into the /p2p/pubsub-message
// endpoint. Optional: without it, that endpoint is a no-op acknowledgement.
func (s *Server) AttachPubSub(hub *PubSubHub) { s.hub = hub }

// BroadcastBlock fans a locally-applied block out to every known peer,
// marking it seen first so an echoed /p2p/gossip-block from a peer that
// already has it is dropped as a duplicate rather than re-applied (spec.md
// §4.8: "a received block is applied locally BEFORE being rebroadcast").
// Used by the glue propose tick after a local block is applied.
func (s *Server) BroadcastBlock(block *types.ChainBlock) {
	fingerprint := block.Hash.Hex()
	if s.seenBlocks.SeenOrAdd(fingerprint) {
		return
	}
	raw, err := json.Marshal(gossipBlockRequest{Block: toBlockWire(block)})
	if err != nil {
		return
	}
	go s.broadcaster.Broadcast("/p2p/gossip-block", fingerprint, raw)
}

// BroadcastBftVote fans this node's own prepare/commit vote out to every
// known peer. Used as the emitPrepare/emitCommit callback wired into
// bft.New (spec.md §4.5 steps 1-2: "emit a prepare"/"emit a commit").
func (s *Server) BroadcastBftVote(typ string, height uint64, hash types.Hash) {
	body := bftMessageRequest{Type: typ, Height: height, BlockHash: hash.Hex(), SenderID: s.cfg.SelfID}
	raw, err := json.Marshal(body)
	if err != nil {
		return
	}
	fingerprint := fmt.Sprintf("%s:%d:%s:%s", typ, height, hash.Hex(), s.cfg.SelfID)
	go s.broadcaster.Broadcast("/p2p/bft-message", fingerprint, raw)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(s.ingressMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/p2p/chain-snapshot", s.handleChainSnapshot)
	r.Get("/p2p/state-snapshot", s.handleStateSnapshot)
	r.Get("/p2p/peers", s.handlePeers)
	r.Get("/p2p/identity-proof", s.handleIdentityProof)
	r.Get("/p2p/node-info", s.handleNodeInfo)

	r.Post("/p2p/gossip-tx", s.handleGossipTx)
	r.Post("/p2p/gossip-block", s.handleGossipBlock)
	r.Post("/p2p/bft-message", s.handleBftMessage)
	r.Post("/p2p/pubsub-message", s.handlePubSubMessage)
	return r
}

// ingressMiddleware applies spec.md §4.8 steps 1-2: rate limiting and the
// ban check. Body cap/JSON parse/auth (steps 3-5) are POST-handler
// concerns, since GET endpoints carry no body.
func (s *Server) ingressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ip := clientIP(req)
		if !s.rate.Allow(ip, time.Now()) {
			s.metric(req.URL.Path, "rate_limited")
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		if peerID := req.Header.Get("X-Peer-Id"); peerID != "" && s.disc != nil {
			if s.disc.Scores.IsBanned(peerID, time.Now()) {
				s.metric(req.URL.Path, "banned")
				http.Error(w, "banned", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, req)
	})
}

func clientIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func (s *Server) metric(path, outcome string) {
	if s.coll == nil {
		return
	}
	s.coll.GossipIngress.WithLabelValues(path, outcome).Inc()
}

// readAuthedBody applies steps 3-5 of the ingress pipeline to a POST body:
// size cap, JSON decode into out, and envelope auth enforcement per the
// server's configured auth mode. It returns the raw un-stripped body alongside any
// parsed *AuthEnvelope under the `_auth` key for the caller's own use.
func (s *Server) readAuthedBody(w http.ResponseWriter, req *http.Request, out interface{}) (raw []byte, auth *AuthEnvelope, ok bool) {
	limited := io.LimitReader(req.Body, maxBodyBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return nil, nil, false
	}
	if len(raw) > maxBodyBytes {
		s.metric(req.URL.Path, "body_too_large")
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return nil, nil, false
	}
	var envelope struct {
		Auth *AuthEnvelope `json:"_auth"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			s.metric(req.URL.Path, "bad_json")
			http.Error(w, "invalid json", http.StatusBadRequest)
			return nil, nil, false
		}
		if err := json.Unmarshal(raw, out); err != nil {
			s.metric(req.URL.Path, "bad_json")
			http.Error(w, "invalid json", http.StatusBadRequest)
			return nil, nil, false
		}
	}

	switch s.cfg.AuthMode {
	case "off":
		return raw, envelope.Auth, true
	case "enforce", "monitor":
		err := verifyEnvelope(req.URL.Path, raw, envelope.Auth, nowMs(), s.nonces)
		if err != nil {
			if s.cfg.AuthMode == "enforce" {
				s.metric(req.URL.Path, "unauthorized")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return nil, nil, false
			}
			log.WithError(err).WithField("path", req.URL.Path).Warn("p2p: auth failed (monitor mode)")
		}
		return raw, envelope.Auth, true
	default:
		return raw, envelope.Auth, true
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChainSnapshot(w http.ResponseWriter, req *http.Request) {
	n := 0
	if q := req.URL.Query().Get("maxBlocks"); q != "" {
		if parsed, err := strconv.Atoi(q); err == nil {
			n = parsed
		}
	}
	blocks, err := s.engine.ChainSnapshotBlocks(n)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	raw, err := marshalBlocks(blocks)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

func (s *Server) handleStateSnapshot(w http.ResponseWriter, req *http.Request) {
	snap, err := s.engine.ExportState()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	raw, err := snap.Marshal()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

func (s *Server) handlePeers(w http.ResponseWriter, req *http.Request) {
	var peers []discovery.Peer
	if s.disc != nil {
		peers = s.disc.Peers()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"peers": peers})
}

// handleIdentityProof answers spec.md §4.8 GET
// /p2p/identity-proof?challenge=… by signing the P2P identity challenge
// message under this node's key.
func (s *Server) handleIdentityProof(w http.ResponseWriter, req *http.Request) {
	challenge := req.URL.Query().Get("challenge")
	if challenge == "" || s.sign == nil {
		http.Error(w, "missing challenge", http.StatusBadRequest)
		return
	}
	msg := signer.P2PIdentityChallengeMessage(challenge, s.cfg.SelfID)
	sig, err := s.sign.SignMessage(msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"nodeId":    s.cfg.SelfID,
		"challenge": challenge,
		"signature": "0x" + hex.EncodeToString(sig),
	})
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, req *http.Request) {
	tip := s.engine.Tip()
	height := uint64(0)
	tipHash := types.ZeroHash.Hex()
	bftFinalized := false
	cumulativeWeight := "0"
	if tip != nil {
		height = tip.Number
		tipHash = tip.Hash.Hex()
		bftFinalized = tip.BftFinalized
		if tip.CumulativeWeight != nil {
			cumulativeWeight = tip.CumulativeWeight.String()
		}
	}
	out := map[string]interface{}{
		"nodeId":           s.cfg.SelfID,
		"protocolTag":      ProtocolTag,
		"height":           height,
		"tipHash":          tipHash,
		"bftFinalized":     bftFinalized,
		"cumulativeWeight": cumulativeWeight,
		"mempoolSize":      len(s.engine.Mempool().Snapshot()),
	}
	writeJSON(w, http.StatusOK, out)
}

type gossipTxRequest struct {
	RawTx string `json:"rawTx"`
}

func (s *Server) handleGossipTx(w http.ResponseWriter, req *http.Request) {
	var body gossipTxRequest
	_, _, ok := s.readAuthedBody(w, req, &body)
	if !ok {
		return
	}
	raw, err := wireHexDecode(body.RawTx)
	if err != nil || len(raw) == 0 {
		http.Error(w, "invalid rawTx", http.StatusBadRequest)
		return
	}
	fingerprint := body.RawTx
	if s.seenTxs.SeenOrAdd(fingerprint) {
		s.metric(req.URL.Path, "duplicate")
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	tx, err := s.engine.AddRawTx(raw)
	if err != nil {
		s.metric(req.URL.Path, "rejected")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.metric(req.URL.Path, "accepted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "hash": tx.Hash.Hex()})

	go s.broadcaster.Broadcast("/p2p/gossip-tx", fingerprint, mustMarshal(body))
}

type gossipBlockRequest struct {
	Block blockWire `json:"block"`
}

// handleGossipBlock enforces spec.md §4.8's invariant that a received
// block is applied locally BEFORE being rebroadcast, and that invalid
// blocks are never propagated.
func (s *Server) handleGossipBlock(w http.ResponseWriter, req *http.Request) {
	var body gossipBlockRequest
	_, _, ok := s.readAuthedBody(w, req, &body)
	if !ok {
		return
	}
	block, err := fromBlockWire(body.Block)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fingerprint := block.Hash.Hex()
	if s.seenBlocks.SeenOrAdd(fingerprint) {
		s.metric(req.URL.Path, "duplicate")
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	if err := s.engine.ApplyRemoteBlock(block); err != nil {
		s.metric(req.URL.Path, "invalid")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.metric(req.URL.Path, "applied")
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})

	raw, err := json.Marshal(body)
	if err == nil {
		go s.broadcaster.Broadcast("/p2p/gossip-block", fingerprint, raw)
	}
}

type bftMessageRequest struct {
	Type      string `json:"type"` // "prepare" | "commit"
	Height    uint64 `json:"height"`
	BlockHash string `json:"blockHash"`
	SenderID  string `json:"senderId"`
}

func (s *Server) handleBftMessage(w http.ResponseWriter, req *http.Request) {
	var body bftMessageRequest
	_, _, ok := s.readAuthedBody(w, req, &body)
	if !ok {
		return
	}
	if s.bftC == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	hash, err := types.HashFromHex(body.BlockHash)
	if err != nil {
		http.Error(w, "invalid blockHash", http.StatusBadRequest)
		return
	}
	switch body.Type {
	case "prepare":
		s.bftC.HandlePrepare(body.SenderID, body.Height, hash)
	case "commit":
		s.bftC.HandleCommit(body.SenderID, body.Height, hash)
	default:
		http.Error(w, "unknown bft message type", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type pubSubMessageRequest struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

func (s *Server) handlePubSubMessage(w http.ResponseWriter, req *http.Request) {
	var body pubSubMessageRequest
	_, _, ok := s.readAuthedBody(w, req, &body)
	if !ok {
		return
	}
	if s.hub != nil {
		if err := s.hub.Publish(body.Topic, []byte(body.Message)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "published"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func mustMarshal(v interface{}) []byte {
	raw, _ := json.Marshal(v)
	return raw
}
