package cluster

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellogrid/internal/metrics"
	"github.com/dropDatabas3/hellogrid/internal/observability/logger"
)

// membershipTimeout es el timeout por defecto para operaciones de membership (AddVoter, RemoveServer).
const membershipTimeout = 10 * time.Second

// ErrNotInitialized se devuelve al operar sobre un nodo nil o cerrado.
var ErrNotInitialized = errors.New("cluster: raft not initialized")

// IsNotLeader verifica si el error es porque este nodo no es leader.
func IsNotLeader(err error) bool {
	return errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost)
}

// Node es un wrapper liviano alrededor de *raft.Raft
// que provee helpers de Apply/Leader/Close y un constructor
// que inicializa stores (BoltDB o memoria), snapshots y transporte.
type Node struct {
	r            *raft.Raft
	log          *zap.Logger
	applyTimeout time.Duration
	id           raft.ServerID
	addr         raft.ServerAddress
	peers        map[string]string // nodeID -> raftAddr
	membershipMu sync.Mutex        // protege operaciones de membership (AddVoter, RemoveServer)
	observer     *raft.Observer
	stop         chan struct{}
	stopOnce     sync.Once
}

type NodeOptions struct {
	NodeID   string            // Identidad de este nodo
	RaftAddr string            // host:port para transporte Raft
	RaftDir  string            // Directorio de datos de Raft (ignorado con InMemory)
	FSM      raft.FSM          // Implementación de FSM
	Peers    map[string]string // Conjunto estático de peers (nodeID->raftAddr). Si >1, bootstrap estático en 1 nodo.
	// BootstrapPreferred: si true, este nodo intentará ser el bootstrapper inicial cuando no hay estado.
	// Úsese solo en un nodo. Si es false, se elige el de menor NodeID.
	BootstrapPreferred bool

	// DisableBootstrap: si true, este nodo NO hará bootstrap aunque no tenga estado previo.
	// Útil para nodos que van a unirse dinámicamente a un cluster existente ("join-only" mode).
	DisableBootstrap bool

	// InMemory usa stores, snapshots y transporte en memoria, con timeouts
	// cortos. Pensado para tests y modo dev de un solo nodo.
	InMemory bool

	// ApplyTimeout por escritura; 5s si es cero.
	ApplyTimeout time.Duration

	// OnPeerChange se invoca cuando un peer entra o sale de la configuración.
	OnPeerChange func(id string, removed bool)

	Logger *zap.Logger

	// TLS (optional). If enabled, create a TLS stream layer with mTLS.
	RaftTLSEnable     bool
	RaftTLSCertFile   string
	RaftTLSKeyFile    string
	RaftTLSCAFile     string
	RaftTLSServerName string
}

func NewNode(opts NodeOptions) (*Node, error) {
	if opts.NodeID == "" || opts.FSM == nil || (!opts.InMemory && (opts.RaftAddr == "" || opts.RaftDir == "")) {
		return nil, errors.New("invalid NodeOptions")
	}
	log := opts.Logger
	if log == nil {
		log = logger.Named("cluster")
	}
	log = log.With(logger.NodeID(opts.NodeID))

	var (
		logStore    raft.LogStore
		stableStore raft.StableStore
		snapStore   raft.SnapshotStore
		trans       raft.Transport
		boltPath    string
	)

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(opts.NodeID)

	if opts.InMemory {
		mem := raft.NewInmemStore()
		logStore, stableStore = mem, mem
		snapStore = raft.NewInmemSnapshotStore()
		addr := raft.ServerAddress(opts.RaftAddr)
		if addr == "" {
			addr = raft.NewInmemAddr()
		}
		_, trans = raft.NewInmemTransport(addr)
		cfg.HeartbeatTimeout = 50 * time.Millisecond
		cfg.ElectionTimeout = 50 * time.Millisecond
		cfg.LeaderLeaseTimeout = 50 * time.Millisecond
		cfg.CommitTimeout = 5 * time.Millisecond
		cfg.LogLevel = "WARN"
	} else {
		if err := os.MkdirAll(opts.RaftDir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir raft dir: %w", err)
		}

		// Stores: log + stable en la misma Bolt DB.
		boltPath = filepath.Join(opts.RaftDir, "raft.db")
		boltStore, err := raftboltdb.NewBoltStore(boltPath)
		if err != nil {
			return nil, fmt.Errorf("bolt store: %w", err)
		}
		logStore, stableStore = boltStore, boltStore

		// Snapshots en disco (retenemos 2).
		snapStore, err = raft.NewFileSnapshotStore(opts.RaftDir, 2, os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("snapshot store: %w", err)
		}

		// Transporte: TCP plano o TLS mTLS si está habilitado
		if opts.RaftTLSEnable {
			bundle, err := loadTLSBundle(opts.RaftTLSCertFile, opts.RaftTLSKeyFile, opts.RaftTLSCAFile, opts.RaftTLSServerName)
			if err != nil {
				return nil, fmt.Errorf("raft tls: %w", err)
			}
			ln, err := tls.Listen("tcp", opts.RaftAddr, bundle.server)
			if err != nil {
				return nil, fmt.Errorf("tls listen: %w", err)
			}
			stream := &tlsStream{ln: ln, cfg: bundle.client}
			trans = raft.NewNetworkTransport(stream, 3, 10*time.Second, os.Stderr)
		} else {
			plain, err := raft.NewTCPTransport(opts.RaftAddr, nil, 3, 10*time.Second, os.Stderr)
			if err != nil {
				return nil, fmt.Errorf("tcp transport: %w", err)
			}
			trans = plain
		}
	}

	r, err := raft.NewRaft(cfg, opts.FSM, logStore, stableStore, snapStore, trans)
	if err != nil {
		return nil, fmt.Errorf("new raft: %w", err)
	}

	n := &Node{
		r:            r,
		log:          log,
		applyTimeout: opts.ApplyTimeout,
		id:           cfg.LocalID,
		addr:         trans.LocalAddr(),
		peers:        opts.Peers,
		stop:         make(chan struct{}),
	}
	if n.applyTimeout <= 0 {
		n.applyTimeout = 5 * time.Second
	}

	// Leadership change counter (metrics)
	go func(ch <-chan bool) {
		for {
			select {
			case v := <-ch:
				if v {
					metrics.RaftLeadershipChanges.Inc()
					log.Info("acquired leadership")
				}
			case <-n.stop:
				return
			}
		}
	}(r.LeaderCh())

	n.watchPeers(opts.OnPeerChange)

	// Bootstrap si no hay estado previo
	hasState, err := raft.HasExistingState(logStore, stableStore, snapStore)
	if err != nil {
		_ = n.Close()
		return nil, fmt.Errorf("check state: %w", err)
	}
	if !hasState {
		if err := n.bootstrap(opts, trans.LocalAddr()); err != nil {
			_ = n.Close()
			return nil, err
		}
	}

	// Track raft log file size periodically (if Bolt file exists)
	if boltPath != "" {
		go func() {
			t := time.NewTicker(10 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					if st, err := os.Stat(boltPath); err == nil {
						metrics.RaftLogSizeBytes.Set(float64(st.Size()))
					}
				case <-n.stop:
					return
				}
			}
		}()
	}

	return n, nil
}

func (n *Node) bootstrap(opts NodeOptions, local raft.ServerAddress) error {
	// Join-only mode: el nodo esperará a ser agregado dinámicamente por el leader.
	if opts.DisableBootstrap {
		n.log.Info("join-only mode: skipping bootstrap", logger.Addr(string(local)))
		return nil
	}
	if len(opts.Peers) <= 1 {
		conf := raft.Configuration{Servers: []raft.Server{{ID: n.id, Address: local}}}
		if err := n.r.BootstrapCluster(conf).Error(); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		n.log.Info("bootstrapped single-node cluster", logger.Addr(string(local)))
		return nil
	}

	// Static bootstrap on a single, deterministic node (smallest NodeID)
	smallest := opts.NodeID
	for k := range opts.Peers {
		if k < smallest {
			smallest = k
		}
	}
	if !opts.BootstrapPreferred && opts.NodeID != smallest {
		// el leader nos contacta por el transporte: estamos en la configuración
		n.log.Info("waiting to join static cluster", logger.String("bootstrapper", smallest))
		return nil
	}
	var servers []raft.Server
	for id, addr := range opts.Peers {
		servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(addr)})
	}
	if err := n.r.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil {
		return fmt.Errorf("bootstrap(static): %w", err)
	}
	n.log.Info("bootstrapped static cluster", logger.Count(len(servers)))
	return nil
}

// watchPeers traduce las observaciones de membership de raft en callbacks.
func (n *Node) watchPeers(fn func(id string, removed bool)) {
	ch := make(chan raft.Observation, 16)
	n.observer = raft.NewObserver(ch, false, func(o *raft.Observation) bool {
		_, ok := o.Data.(raft.PeerObservation)
		return ok
	})
	n.r.RegisterObserver(n.observer)

	go func() {
		for {
			select {
			case o := <-ch:
				po := o.Data.(raft.PeerObservation)
				change := "added"
				if po.Removed {
					change = "removed"
				}
				metrics.RaftPeerChanges.WithLabelValues(change).Inc()
				n.log.Info("peer change", logger.String("peer", string(po.Peer.ID)), logger.String("change", change))
				if fn != nil {
					fn(string(po.Peer.ID), po.Removed)
				}
			case <-n.stop:
				return
			}
		}
	}()
}

// Apply serializa el comando, espera commit o timeout y devuelve la
// respuesta de la FSM.
func (n *Node) Apply(ctx context.Context, cmd Command) (interface{}, error) {
	buf, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return n.ApplyBytes(ctx, buf)
}

// ApplyBytes envía bytes raw al Raft log (sin re-serializar).
func (n *Node) ApplyBytes(ctx context.Context, data []byte) (interface{}, error) {
	if n == nil || n.r == nil {
		return nil, ErrNotInitialized
	}
	start := time.Now()
	fut := n.r.Apply(data, n.applyTimeout)

	// Respetar cancelación de ctx mientras esperamos el futuro.
	done := make(chan struct{})
	var applyErr error
	go func() {
		applyErr = fut.Error()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		metrics.RaftApplyLatency.Observe(float64(time.Since(start).Milliseconds()))
		if applyErr != nil {
			return nil, applyErr
		}
		return fut.Response(), nil
	}
}

// Barrier espera a que la FSM local haya aplicado todo lo confirmado.
func (n *Node) Barrier(ctx context.Context) error {
	if n == nil || n.r == nil {
		return ErrNotInitialized
	}
	return wait(ctx, n.r.Barrier(n.applyTimeout))
}

// WaitLeader bloquea hasta que el cluster tenga leader o ctx termine.
func (n *Node) WaitLeader(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		if n.LeaderID() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Snapshot fuerza un snapshot de la FSM.
func (n *Node) Snapshot(ctx context.Context) error {
	if n == nil || n.r == nil {
		return ErrNotInitialized
	}
	return wait(ctx, n.r.Snapshot())
}

func wait(ctx context.Context, fut raft.Future) error {
	done := make(chan error, 1)
	go func() { done <- fut.Error() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// ─── TLS helpers ───

type tlsBundle struct {
	server *tls.Config
	client *tls.Config
}

func loadTLSBundle(certFile, keyFile, caFile, serverName string) (*tlsBundle, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("invalid CA file")
	}
	server := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}
	client := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
		ServerName:   serverName,
	}
	return &tlsBundle{server: server, client: client}, nil
}

type tlsStream struct {
	ln  net.Listener
	cfg *tls.Config
}

func (t *tlsStream) Dial(address raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	return tls.DialWithDialer(d, "tcp", string(address), t.cfg)
}
func (t *tlsStream) Accept() (net.Conn, error) { return t.ln.Accept() }
func (t *tlsStream) Close() error              { return t.ln.Close() }
func (t *tlsStream) Addr() net.Addr            { return t.ln.Addr() }

func (n *Node) IsLeader() bool {
	if n == nil || n.r == nil {
		return false
	}
	return n.r.State() == raft.Leader
}

func (n *Node) LeaderID() string {
	if n == nil || n.r == nil {
		return ""
	}
	addr, id := n.r.LeaderWithID()
	if id != "" {
		return string(id)
	}
	return string(addr)
}

func (n *Node) NodeID() string {
	if n == nil {
		return ""
	}
	return string(n.id)
}

func (n *Node) RaftAddr() string {
	if n == nil {
		return ""
	}
	return string(n.addr)
}

func (n *Node) PeerMap() map[string]string { return n.peers }

func (n *Node) Close() error {
	if n == nil || n.r == nil {
		return nil
	}
	n.stopOnce.Do(func() {
		close(n.stop)
		if n.observer != nil {
			n.r.DeregisterObserver(n.observer)
		}
	})
	return n.r.Shutdown().Error()
}

// Stats expone métricas de Raft del nodo embebido.
func (n *Node) Stats() map[string]string {
	if n == nil || n.r == nil {
		return map[string]string{}
	}
	return n.r.Stats()
}

// ─── Membership helpers ───

// GetConfiguration devuelve la configuración actual del cluster Raft.
// Respeta ctx.Done() mientras espera el future.
func (n *Node) GetConfiguration(ctx context.Context) (raft.Configuration, error) {
	if n == nil || n.r == nil {
		return raft.Configuration{}, ErrNotInitialized
	}
	fut := n.r.GetConfiguration()
	if err := wait(ctx, fut); err != nil {
		return raft.Configuration{}, err
	}
	return fut.Configuration(), nil
}

// AddVoter agrega un nodo votante al cluster.
// Comportamiento idempotente:
//   - Si el server ya existe con la misma dirección, retorna nil.
//   - Si existe con dirección distinta, se remueve y se agrega con la nueva.
func (n *Node) AddVoter(ctx context.Context, id, addr string) error {
	if n == nil || n.r == nil {
		return ErrNotInitialized
	}
	if id == "" {
		return errors.New("id cannot be empty")
	}
	if addr == "" {
		return errors.New("addr cannot be empty")
	}

	n.membershipMu.Lock()
	defer n.membershipMu.Unlock()

	config, err := n.GetConfiguration(ctx)
	if err != nil {
		return fmt.Errorf("get configuration: %w", err)
	}

	serverID := raft.ServerID(id)
	serverAddr := raft.ServerAddress(addr)
	for _, srv := range config.Servers {
		if srv.ID == serverID {
			if srv.Address == serverAddr {
				return nil
			}
			if err := n.removeServerLocked(ctx, id); err != nil {
				return fmt.Errorf("remove server before re-add: %w", err)
			}
			break
		}
	}

	return wait(ctx, n.r.AddVoter(serverID, serverAddr, 0, membershipTimeout))
}

// RemoveServer remueve un nodo del cluster.
// Idempotente: si el server no existe, retorna nil.
func (n *Node) RemoveServer(ctx context.Context, id string) error {
	if n == nil || n.r == nil {
		return ErrNotInitialized
	}
	if id == "" {
		return errors.New("id cannot be empty")
	}

	n.membershipMu.Lock()
	defer n.membershipMu.Unlock()

	return n.removeServerLocked(ctx, id)
}

// removeServerLocked asume que membershipMu ya está bloqueado.
func (n *Node) removeServerLocked(ctx context.Context, id string) error {
	config, err := n.GetConfiguration(ctx)
	if err != nil {
		return fmt.Errorf("get configuration: %w", err)
	}

	serverID := raft.ServerID(id)
	found := false
	for _, srv := range config.Servers {
		if srv.ID == serverID {
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	return wait(ctx, n.r.RemoveServer(serverID, 0, membershipTimeout))
}
