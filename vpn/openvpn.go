package vpn

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/yllada/vpn-profiles/common"
	"github.com/yllada/vpn-profiles/profile"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for unusable openvpn configuration files.
var ErrInvalidConfig = errors.New("invalid configuration file")

// OpenVPNConfig is the actor-owned payload of an openvpn profile.
type OpenVPNConfig struct {
	// ConfigFile is the .ovpn file, relative to the profile's storage
	// directory unless absolute.
	ConfigFile string `yaml:"config_file"`
	// Username is optional; when set the password comes from the
	// credential store.
	Username string `yaml:"username,omitempty"`
	// SplitTunnelRoutes limits the tunnel to these networks (include mode).
	SplitTunnelRoutes []string `yaml:"split_tunnel_routes,omitempty"`
}

// Encode serializes the payload, normalizing split tunnel routes.
func (c *OpenVPNConfig) Encode() ([]byte, error) {
	if c.ConfigFile == "" {
		return nil, fmt.Errorf("%w: config file is required", common.ErrInvalidProfile)
	}
	out := *c
	out.SplitTunnelRoutes = nil
	for _, route := range c.SplitTunnelRoutes {
		normalized := normalizeNetworkRoute(route)
		if normalized == "" {
			return nil, fmt.Errorf("%w: invalid route %q", common.ErrInvalidProfile, route)
		}
		out.SplitTunnelRoutes = append(out.SplitTunnelRoutes, normalized)
	}
	return yaml.Marshal(&out)
}

// ParseOpenVPNConfig decodes an openvpn profile payload.
func ParseOpenVPNConfig(data []byte) (*OpenVPNConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg OpenVPNConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: openvpn payload: %v", common.ErrInvalidProfile, err)
	}
	if cfg.ConfigFile == "" {
		return nil, fmt.Errorf("%w: openvpn payload has no config file", common.ErrInvalidProfile)
	}
	return &cfg, nil
}

// ValidateOVPNFile checks if the given file is a usable OpenVPN configuration.
func ValidateOVPNFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file not found: %w", err)
	}
	if info.IsDir() {
		return ErrInvalidConfig
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".ovpn" && ext != ".conf" {
		return fmt.Errorf("%w: expected .ovpn or .conf extension", ErrInvalidConfig)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	content := string(data)
	for _, directive := range []string{"remote", "client"} {
		if strings.Contains(content, directive) {
			return nil
		}
	}
	return fmt.Errorf("%w: missing required OpenVPN directives", ErrInvalidConfig)
}

// ovpnProcess is a supervised openvpn process, either started here or
// re-attached from a saved session.
type ovpnProcess struct {
	pid         int
	done        chan struct{}
	established bool
	authFailed  bool
}

// openVPNRunner supervises openvpn processes by profile id. It is shared
// by every openvpn actor of a factory.
type openVPNRunner struct {
	mu          sync.Mutex
	procs       map[string]*ovpnProcess
	command     []string
	creds       common.CredentialStore
	profilesDir string
	emit        func(Event)
	log         common.Logger

	monitorInterval time.Duration
	teardown        time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

func newOpenVPNRunner(command []string, creds common.CredentialStore, profilesDir string, emit func(Event), log common.Logger) *openVPNRunner {
	if emit == nil {
		emit = func(Event) {}
	}
	return &openVPNRunner{
		procs:           make(map[string]*ovpnProcess),
		command:         command,
		creds:           creds,
		profilesDir:     profilesDir,
		emit:            emit,
		log:             log,
		monitorInterval: common.MonitorInterval,
		teardown:        common.TeardownTimeout,
		stop:            make(chan struct{}),
	}
}

func (r *openVPNRunner) lookup(id string) *ovpnProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[id]
}

// start launches openvpn for p and returns once the process is running.
func (r *openVPNRunner) start(ctx context.Context, p *profile.Profile) error {
	if len(r.command) == 0 {
		return fmt.Errorf("%w: no openvpn command configured", common.ErrBackendUnavailable)
	}

	cfg, err := ParseOpenVPNConfig(p.Config)
	if err != nil {
		return err
	}

	if r.lookup(p.ID) != nil {
		r.log.Info("OpenVPN: %s already has a running process", p.Name)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	password, err := r.password(p, cfg)
	if err != nil {
		return err
	}

	credFile, err := createCredentialsFile(cfg.Username, password)
	if err != nil {
		return fmt.Errorf("failed to create credentials: %w", err)
	}

	configPath := resolvePath(r.profilesDir, p, cfg.ConfigFile)
	args := append(append([]string{}, r.command[1:]...), buildOpenVPNArgs(configPath, credFile, cfg.SplitTunnelRoutes)...)
	cmd := exec.Command(r.command[0], args...)
	// Own process group so the tunnel survives the terminal that started it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		removeCredentialsFile(credFile)
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		removeCredentialsFile(credFile)
		return err
	}

	r.log.Info("OpenVPN: starting %s with %s", p.Name, configPath)
	if err := cmd.Start(); err != nil {
		removeCredentialsFile(credFile)
		return fmt.Errorf("%w: failed to start openvpn: %v", common.ErrConnectionFailed, err)
	}
	r.log.Debug("OpenVPN: process started with PID %d", cmd.Process.Pid)

	proc := &ovpnProcess{pid: cmd.Process.Pid, done: make(chan struct{})}
	r.mu.Lock()
	r.procs[p.ID] = proc
	r.mu.Unlock()

	name := p.Name
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.monitorOutput(name, proc, stdout)
	}()
	go func() {
		defer wg.Done()
		r.monitorOutput(name, proc, stderr)
	}()
	go func() {
		wg.Wait()
		err := cmd.Wait()
		removeCredentialsFile(credFile)
		r.finish(p.ID, name, proc, err)
	}()

	return nil
}

func (r *openVPNRunner) password(p *profile.Profile, cfg *OpenVPNConfig) (string, error) {
	if cfg.Username == "" {
		return "", nil
	}
	if r.creds == nil {
		return "", fmt.Errorf("%w: no credential store for %s", common.ErrCredentialsNotFound, p.Name)
	}
	password, err := r.creds.Get(p.ID)
	if err != nil {
		return "", fmt.Errorf("password for %s: %w", p.Name, err)
	}
	return password, nil
}

// monitorOutput scans openvpn output and turns milestones into events.
func (r *openVPNRunner) monitorOutput(name string, proc *ovpnProcess, pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		r.log.Debug("OpenVPN: %s", line)

		switch {
		case strings.Contains(line, "Initialization Sequence Completed"):
			r.mu.Lock()
			proc.established = true
			r.mu.Unlock()
			r.log.Info("OpenVPN: %s connection established", name)
			r.emit(Event{ProfileName: name, State: profile.StateConnected.String()})

		case strings.Contains(line, "AUTH_FAILED"):
			r.mu.Lock()
			first := !proc.authFailed
			proc.authFailed = true
			r.mu.Unlock()
			if first {
				r.log.Error("OpenVPN: %s authentication failed", name)
				r.emit(Event{ProfileName: name, State: profile.StateDisconnecting.String()})
			}
		}
	}
}

// finish records the end of a process and reports the profile idle.
func (r *openVPNRunner) finish(id, name string, proc *ovpnProcess, err error) {
	r.mu.Lock()
	if r.procs[id] == proc {
		delete(r.procs, id)
	}
	r.mu.Unlock()
	close(proc.done)

	if err != nil {
		r.log.Warn("OpenVPN: %s terminated with error: %v", name, err)
	} else {
		r.log.Info("OpenVPN: %s terminated", name)
	}
	r.emit(Event{ProfileName: name, State: profile.StateIdle.String()})
}

// terminate asks the process of p to exit and escalates to SIGKILL after
// the teardown timeout. It does not wait for the exit.
func (r *openVPNRunner) terminate(p *profile.Profile) error {
	proc := r.lookup(p.ID)
	if proc == nil {
		r.log.Debug("OpenVPN: %s has no running process", p.Name)
		r.emit(Event{ProfileName: p.Name, State: profile.StateIdle.String()})
		return nil
	}

	r.emit(Event{ProfileName: p.Name, State: profile.StateDisconnecting.String()})
	if err := signalProcess(proc.pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop openvpn process %d: %w", proc.pid, err)
	}

	go func() {
		timer := time.NewTimer(r.teardown)
		defer timer.Stop()
		select {
		case <-proc.done:
		case <-timer.C:
			r.log.Warn("OpenVPN: %s did not exit after %v, killing", p.Name, r.teardown)
			if err := signalProcess(proc.pid, syscall.SIGKILL); err != nil {
				r.log.Error("OpenVPN: failed to kill process %d: %v", proc.pid, err)
			}
		}
	}()
	return nil
}

func (r *openVPNRunner) status(id string) profile.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	proc, ok := r.procs[id]
	switch {
	case !ok:
		return profile.StateIdle
	case proc.established:
		return profile.StateConnected
	default:
		return profile.StateConnecting
	}
}

func (r *openVPNRunner) saveSession(id string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proc, ok := r.procs[id]
	if !ok {
		return
	}
	s["pid"] = strconv.Itoa(proc.pid)
	s["established"] = strconv.FormatBool(proc.established)
}

// restore re-attaches to the process recorded in s and polls it until it
// exits.
func (r *openVPNRunner) restore(p *profile.Profile, s Session) error {
	pid, err := strconv.Atoi(s["pid"])
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid session pid %q", s["pid"])
	}
	if !processAlive(pid) {
		return fmt.Errorf("%w: openvpn process %d is gone", common.ErrNotConnected, pid)
	}

	established, _ := strconv.ParseBool(s["established"])
	proc := &ovpnProcess{pid: pid, done: make(chan struct{}), established: established}

	r.mu.Lock()
	if _, exists := r.procs[p.ID]; exists {
		r.mu.Unlock()
		return nil
	}
	r.procs[p.ID] = proc
	r.mu.Unlock()

	r.log.Info("OpenVPN: re-attached to %s (PID %d)", p.Name, pid)
	go r.watch(p.ID, p.Name, proc)
	return nil
}

func (r *openVPNRunner) watch(id, name string, proc *ovpnProcess) {
	ticker := time.NewTicker(r.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if !processAlive(proc.pid) {
				r.finish(id, name, proc, nil)
				return
			}
		}
	}
}

func (r *openVPNRunner) close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// openVPNActor drives an openvpn process.
type openVPNActor struct {
	profile *profile.Profile
	runner  *openVPNRunner
}

func (a *openVPNActor) Profile() *profile.Profile {
	return a.profile
}

func (a *openVPNActor) Connect(ctx context.Context) error {
	return a.runner.start(ctx, a.profile)
}

func (a *openVPNActor) Disconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.runner.terminate(a.profile)
}

func (a *openVPNActor) CheckStatus(ctx context.Context) (profile.State, error) {
	return a.runner.status(a.profile.ID), ctx.Err()
}

func (a *openVPNActor) SaveSession(s Session) {
	a.runner.saveSession(a.profile.ID, s)
}

func (a *openVPNActor) RestoreSession(s Session) error {
	return a.runner.restore(a.profile, s)
}

// buildOpenVPNArgs renders the openvpn command line. With split tunnel
// routes the server's default route is ignored and only the listed
// networks are routed through the tunnel.
func buildOpenVPNArgs(configPath, credFile string, routes []string) []string {
	args := []string{"--config", configPath}
	if credFile != "" {
		args = append(args, "--auth-user-pass", credFile)
	}
	args = append(args, "--verb", "3")

	if len(routes) == 0 {
		return args
	}

	args = append(args, "--route-nopull", "--pull-filter", "ignore", "redirect-gateway")
	for _, route := range routes {
		network, netmask := parseRouteForOpenVPN(route)
		if network != "" {
			args = append(args, "--route", network, netmask)
		}
	}
	return args
}

// createCredentialsFile writes an auth-user-pass file readable only by the
// current user. No credentials means no file.
func createCredentialsFile(username, password string) (string, error) {
	if username == "" && password == "" {
		return "", nil
	}

	tmpDir := filepath.Join(os.TempDir(), common.ConfigDirName)
	if err := os.MkdirAll(tmpDir, 0700); err != nil {
		return "", err
	}

	f, err := os.CreateTemp(tmpDir, "cred-*")
	if err != nil {
		return "", err
	}
	if _, err := fmt.Fprintf(f, "%s\n%s\n", username, password); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func removeCredentialsFile(path string) {
	if path != "" {
		os.Remove(path)
	}
}

// signalProcess signals the process group led by pid, falling back to the
// process alone.
func signalProcess(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// parseRouteForOpenVPN converts a CIDR route to network/netmask format for OpenVPN
// Examples:
//   - "192.168.1.0/24" -> "192.168.1.0", "255.255.255.0"
//   - "10.0.0.1" -> "10.0.0.1", "255.255.255.255"
func parseRouteForOpenVPN(route string) (network, netmask string) {
	route = strings.TrimSpace(route)
	if route == "" {
		return "", ""
	}

	if strings.Contains(route, "/") {
		_, ipNet, err := net.ParseCIDR(route)
		if err != nil || len(ipNet.Mask) != net.IPv4len {
			common.LogWarn("OpenVPN: invalid route %s", route)
			return "", ""
		}
		mask := ipNet.Mask
		netmask = fmt.Sprintf("%d.%d.%d.%d", mask[0], mask[1], mask[2], mask[3])
		return ipNet.IP.String(), netmask
	}

	if ip := net.ParseIP(route); ip != nil && ip.To4() != nil {
		return route, "255.255.255.255"
	}

	common.LogWarn("OpenVPN: invalid route %s", route)
	return "", ""
}

// normalizeNetworkRoute normalizes a network route
// Converts "192.168.1.1/24" to "192.168.1.0/24" (correct network address)
// Converts "10.0.0.5" to "10.0.0.5/32" (individual host)
func normalizeNetworkRoute(route string) string {
	route = strings.TrimSpace(route)
	if route == "" {
		return ""
	}

	if strings.Contains(route, "/") {
		_, ipNet, err := net.ParseCIDR(route)
		if err != nil {
			return ""
		}
		ones, _ := ipNet.Mask.Size()
		return fmt.Sprintf("%s/%d", ipNet.IP.String(), ones)
	}

	if ip := net.ParseIP(route); ip != nil {
		return route + "/32"
	}
	return ""
}
