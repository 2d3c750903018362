package encryption

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/stratis-storage/stratisd-go/internal/metrics"
)

// SimSlots implements SlotFile entirely in memory: each occupied slot
// wraps the pool's one master key with a key derived (argon2id) from the
// unlocker's material, sealed with chacha20poly1305. It never touches a
// kernel LUKS2 volume, so encryption lifecycle tests run without root.
type SimSlots struct {
	mu        sync.Mutex
	masterKey [32]byte
	wrapped   map[int]wrappedSlot
	keyring   map[string]string // sim keyring: description -> passphrase
	netResp   map[string]string // sim network responses: url -> thumbprint
}

type wrappedSlot struct {
	salt       [16]byte
	nonce      [chacha20poly1305.NonceSize]byte
	ciphertext []byte
}

// NewSimSlots creates a SimSlots with a freshly generated master key.
func NewSimSlots() *SimSlots {
	var key [32]byte
	_, _ = rand.Read(key[:])
	return &SimSlots{masterKey: key, wrapped: map[int]wrappedSlot{}, keyring: map[string]string{}, netResp: map[string]string{}}
}

// SetKeyringEntry seeds the sim keyring, standing in for what a real
// deployment's operator would `keyctl add` before calling unlock.
func (s *SimSlots) SetKeyringEntry(description, passphrase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyring[description] = passphrase
}

// ClearKeyringEntry removes an entry, simulating the keyring being wiped
// across a reboot (end-to-end scenario 4 in spec §8).
func (s *SimSlots) ClearKeyringEntry(description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keyring, description)
}

// SetNetworkResponse seeds the canned response a NetworkUnlocker's URL
// resolves to.
func (s *SimSlots) SetNetworkResponse(url, thumbprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.netResp[url] = thumbprint
}

func (s *SimSlots) deriveKey(material string, salt [16]byte) [32]byte {
	return [32]byte(argon2.IDKey([]byte(material), salt[:], 1, 64*1024, 4, 32))
}

func (s *SimSlots) AddSlot(ctx context.Context, slot int, unlocker Unlocker) (string, error) {
	material, err := s.resolveMaterial(ctx, unlocker)
	if err != nil {
		return "", err
	}

	var salt [16]byte
	_, _ = rand.Read(salt[:])
	wrapKey := s.deriveKey(material, salt)

	aead, err := chacha20poly1305.New(wrapKey[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	_, _ = rand.Read(nonce[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	ciphertext := aead.Seal(nil, nonce[:], s.masterKey[:], nil)
	s.wrapped[slot] = wrappedSlot{salt: salt, nonce: nonce, ciphertext: ciphertext}
	metrics.RecordMutation("encryption_bind", "ok")
	return hex.EncodeToString(s.masterKey[:]), nil
}

func (s *SimSlots) RemoveSlot(ctx context.Context, slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.wrapped, slot)
	return nil
}

func (s *SimSlots) TryUnlock(ctx context.Context, slot int, unlocker Unlocker) (string, error) {
	material, err := s.resolveMaterial(ctx, unlocker)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	ws, ok := s.wrapped[slot]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("slot %d is not occupied", slot)
	}

	wrapKey := s.deriveKey(material, ws.salt)
	aead, err := chacha20poly1305.New(wrapKey[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	plain, err := aead.Open(nil, ws.nonce[:], ws.ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("slot %d: unlock material did not decrypt the master key", slot)
	}
	return hex.EncodeToString(plain), nil
}

// resolveMaterial turns an Unlocker into the raw bytes AddSlot/TryUnlock
// derive a wrap key from: the keyring passphrase, or the network
// server's thumbprint (standing in for the secret the real policy
// server would actually return).
func (s *SimSlots) resolveMaterial(ctx context.Context, unlocker Unlocker) (string, error) {
	switch u := unlocker.(type) {
	case PassphraseUnlocker:
		s.mu.Lock()
		pass, ok := s.keyring[u.KeyDescription]
		s.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("keyring entry %q not present", u.KeyDescription)
		}
		return pass, nil
	case NetworkUnlocker:
		s.mu.Lock()
		resp, ok := s.netResp[u.URL]
		s.mu.Unlock()
		if !ok {
			return "", fmt.Errorf("network unlock server %s unreachable", u.URL)
		}
		if resp != u.Thumbprint {
			return "", fmt.Errorf("network unlock server %s returned unexpected thumbprint", u.URL)
		}
		return resp, nil
	default:
		return "", fmt.Errorf("unrecognized unlocker kind")
	}
}

// SimKeyring adapts SimSlots's embedded keyring map to the Keyring
// interface, for callers (internal/engine in its test backend) that want
// to look an entry up without going through a slot operation.
type SimKeyring struct{ Slots *SimSlots }

func (k SimKeyring) Lookup(ctx context.Context, description string) (string, bool, error) {
	k.Slots.mu.Lock()
	defer k.Slots.mu.Unlock()
	pass, ok := k.Slots.keyring[description]
	return pass, ok, nil
}

// SimNetworkClient adapts SimSlots's embedded canned responses to the
// NetworkClient interface.
type SimNetworkClient struct{ Slots *SimSlots }

func (n SimNetworkClient) Fetch(ctx context.Context, url string, timeout time.Duration) (string, error) {
	n.Slots.mu.Lock()
	defer n.Slots.mu.Unlock()
	resp, ok := n.Slots.netResp[url]
	if !ok {
		return "", fmt.Errorf("network unlock server %s unreachable", url)
	}
	return resp, nil
}
