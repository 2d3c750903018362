package discovery

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// UdevHotplugSource reads kernel uevents directly off a
// NETLINK_KOBJECT_UEVENT socket, the same feed udevd itself consumes, so
// no libudev/cgo dependency is needed to learn about block device
// add/change/remove. Only events under /devices (DEVPATH containing
// "/block/") are forwarded; everything else is noise for this daemon.
type UdevHotplugSource struct {
	Logger *logrus.Logger

	fd     int
	events chan Event
	once   sync.Once
}

// NewUdevHotplugSource opens the netlink socket and starts the background
// reader goroutine. Call Close when done to release the socket.
func NewUdevHotplugSource(logger *logrus.Logger) (*UdevHotplugSource, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("discovery: open uevent netlink socket: %w", err)
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("discovery: bind uevent netlink socket: %w", err)
	}

	src := &UdevHotplugSource{
		Logger: logger,
		fd:     fd,
		events: make(chan Event, 64),
	}
	go src.run()
	return src, nil
}

func (s *UdevHotplugSource) Events() <-chan Event {
	return s.events
}

// Close releases the netlink socket, which unblocks and ends run.
func (s *UdevHotplugSource) Close() error {
	var err error
	s.once.Do(func() {
		err = unix.Close(s.fd)
		close(s.events)
	})
	return err
}

func (s *UdevHotplugSource) run() {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := unix.Recvfrom(s.fd, buf, 0)
		if err != nil {
			if err == unix.EBADF || err == unix.EINVAL {
				return
			}
			s.Logger.WithError(err).Warn("discovery: uevent netlink read failed")
			continue
		}
		ev, ok := parseUevent(buf[:n])
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		default:
			s.Logger.Warn("discovery: uevent channel full, dropping event")
		}
	}
}

// parseUevent decodes a single kernel uevent datagram, which is a
// sequence of NUL-separated "KEY=VALUE" fields (the first line, the
// "header", duplicates ACTION@DEVPATH and is skipped here in favor of
// the structured fields that follow it).
func parseUevent(raw []byte) (Event, bool) {
	fields := bytes.Split(raw, []byte{0})
	var action, devpath, devname string
	for _, f := range fields {
		kv := string(f)
		switch {
		case strings.HasPrefix(kv, "ACTION="):
			action = strings.TrimPrefix(kv, "ACTION=")
		case strings.HasPrefix(kv, "DEVPATH="):
			devpath = strings.TrimPrefix(kv, "DEVPATH=")
		case strings.HasPrefix(kv, "DEVNAME="):
			devname = strings.TrimPrefix(kv, "DEVNAME=")
		}
	}
	if !strings.Contains(devpath, "/block/") || devname == "" {
		return Event{}, false
	}
	var act Action
	switch action {
	case "add":
		act = ActionAdd
	case "change":
		act = ActionChange
	case "remove":
		act = ActionRemove
	default:
		return Event{}, false
	}
	return Event{
		DeviceID: devpath,
		Action:   act,
		Path:     "/dev/" + devname,
	}, true
}

// SimHotplugSource is an in-memory HotplugSource for tests and the
// simulator backend: nothing reads /dev, events arrive only through
// Inject.
type SimHotplugSource struct {
	events chan Event
}

// NewSimHotplugSource returns a SimHotplugSource ready to accept injected
// events. The channel is buffered generously since tests typically fire
// a burst of events and only then start the pipeline consuming them.
func NewSimHotplugSource() *SimHotplugSource {
	return &SimHotplugSource{events: make(chan Event, 256)}
}

func (s *SimHotplugSource) Events() <-chan Event {
	return s.events
}

// Inject enqueues ev as if it had just arrived from the kernel.
func (s *SimHotplugSource) Inject(ev Event) {
	s.events <- ev
}

// Close stops the source; any goroutine ranging over Events() returns.
func (s *SimHotplugSource) Close() {
	close(s.events)
}
