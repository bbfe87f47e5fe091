package discovery

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
)

const (
	// DefaultReplyPort is where hubs connect back with their announcement.
	DefaultReplyPort = 5222

	// broadcastAddr is the hub discovery port all hubs listen on.
	broadcastAddr = "255.255.255.255:5224"

	pingInterval = 1 * time.Second
	mdnsService  = "_harmony._tcp"
)

// lanListener is the production announcement source: a TCP reply listener,
// a periodic UDP broadcast ping, and a one-shot mDNS sweep for hubs that
// answer _harmony._tcp instead of the reverse-bonjour ping.
type lanListener struct {
	port int
	tcp  net.Listener
	udp  net.PacketConn
	log  zerolog.Logger

	anns chan Announcement
	errs chan error
	done chan struct{}

	closeOnce sync.Once
}

// NewLANListener returns a ListenFunc bound to the given reply port.
func NewLANListener(port int, log zerolog.Logger) ListenFunc {
	return func() (Listener, error) {
		return listenLAN(port, log)
	}
}

func listenLAN(port int, log zerolog.Logger) (*lanListener, error) {
	tcp, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("reply listener on :%d: %w", port, err)
	}
	udp, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		tcp.Close()
		return nil, fmt.Errorf("broadcast socket: %w", err)
	}

	l := &lanListener{
		port: port,
		tcp:  tcp,
		udp:  udp,
		log:  log,
		anns: make(chan Announcement, 8),
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}

	go l.acceptLoop()
	go l.pingLoop()
	go l.mdnsSweep()

	return l, nil
}

func (l *lanListener) Announcements() <-chan Announcement { return l.anns }
func (l *lanListener) Errors() <-chan error               { return l.errs }

// Close releases the sockets and stops every background goroutine. Safe to
// call more than once and on every exit path.
func (l *lanListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.tcp.Close()
		l.udp.Close()
	})
	return nil
}

func (l *lanListener) acceptLoop() {
	for {
		conn, err := l.tcp.Accept()
		if err != nil {
			select {
			case <-l.done:
			default:
				select {
				case l.errs <- err:
				default:
				}
			}
			return
		}
		go l.readAnnouncement(conn)
	}
}

// readAnnouncement reads one key:value;key:value descriptor line from a
// hub that called back.
func (l *lanListener) readAnnouncement(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		l.log.Debug().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("announcement read failed")
		return
	}

	fields := parseAnnouncement(strings.TrimSpace(line))
	if len(fields) == 0 {
		return
	}
	select {
	case l.anns <- Announcement{Fields: fields}:
	case <-l.done:
	}
}

// pingLoop broadcasts the reverse-bonjour ping once per second until the
// listener is closed. Hubs answer by connecting to the reply port.
func (l *lanListener) pingLoop() {
	dst, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		select {
		case l.errs <- err:
		default:
		}
		return
	}

	msg := []byte(fmt.Sprintf("_logitech-reverse-bonjour._tcp.local.\n%d", l.port))

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	// First ping immediately, then on the ticker.
	for {
		if _, err := l.udp.WriteTo(msg, dst); err != nil {
			l.log.Debug().Err(err).Msg("broadcast ping failed")
		}
		select {
		case <-ticker.C:
		case <-l.done:
			return
		}
	}
}

// mdnsSweep runs one _harmony._tcp query and feeds any answers through the
// same announcement path. Best effort; failures are logged only.
func (l *lanListener) mdnsSweep() {
	entries := make(chan *mdns.ServiceEntry, 8)

	go func() {
		params := &mdns.QueryParam{
			Service:             mdnsService,
			Domain:              "local",
			Timeout:             3 * time.Second,
			Entries:             entries,
			DisableIPv6:         true,
			WantUnicastResponse: true,
		}
		if err := mdns.Query(params); err != nil {
			l.log.Debug().Err(err).Msg("mDNS sweep failed")
		}
		close(entries)
	}()

	for entry := range entries {
		if entry.AddrV4 == nil {
			continue
		}
		fields := map[string]string{
			"ip":           entry.AddrV4.String(),
			"friendlyName": strings.TrimSuffix(entry.Name, "."+mdnsService+".local."),
		}
		for _, info := range entry.InfoFields {
			if k, v, ok := strings.Cut(info, "="); ok {
				fields[k] = v
			}
		}
		select {
		case l.anns <- Announcement{Fields: fields}:
		case <-l.done:
			return
		}
	}
}

func parseAnnouncement(line string) map[string]string {
	fields := make(map[string]string)
	for _, pair := range strings.Split(line, ";") {
		k, v, ok := strings.Cut(pair, ":")
		if !ok || k == "" {
			continue
		}
		fields[k] = v
	}
	return fields
}
