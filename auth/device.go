package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// DeviceModel describes a handset the login form claims to come from.
type DeviceModel struct {
	Model   string `json:"model"`
	Build   string `json:"build"`
	SDK     string `json:"sdk"`
	Release string `json:"release"`
}

// DeviceCatalog is the set of handsets a new profile is drawn from.
var DeviceCatalog = []DeviceModel{
	{Model: "Pixel 6", Build: "SP2A.220505.002", SDK: "30", Release: "11"},
	{Model: "Pixel 5", Build: "RQ3A.210805.001.A1", SDK: "30", Release: "11"},
	{Model: "Samsung Galaxy S21", Build: "G991USQU4AUDA", SDK: "30", Release: "11"},
	{Model: "OnePlus 9", Build: "LE2115_11_C.48", SDK: "30", Release: "11"},
	{Model: "Xiaomi Mi 11", Build: "RKQ1.200826.002", SDK: "30", Release: "11"},
	{Model: "Pixel 7", Build: "TD1A.220804.031", SDK: "33", Release: "13"},
	{Model: "Samsung Galaxy S22", Build: "S901USQU2AVB3", SDK: "32", Release: "12"},
}

// DeviceProfile is the persisted fingerprint used for every login from this installation.
type DeviceProfile struct {
	UserAgent      string      `json:"userAgent"`
	Device         DeviceModel `json:"device"`
	DeviceID       string      `json:"deviceId"`
	FamilyDeviceID string      `json:"familyDeviceId"`
	AndroidID      string      `json:"androidId"`
}

// Valid reports whether every identifier is populated.
func (p DeviceProfile) Valid() bool {
	return p.UserAgent != "" && p.DeviceID != "" && p.FamilyDeviceID != "" && p.AndroidID != "" && p.Device.Model != ""
}

// deviceIDs keeps device ids stable per model and build for the life of the process.
var deviceIDs = struct {
	sync.RWMutex
	m map[string]string
}{m: map[string]string{}}

func consistentDeviceID(d DeviceModel) string {
	key := d.Model + "_" + d.Build

	deviceIDs.RLock()
	id, ok := deviceIDs.m[key]
	deviceIDs.RUnlock()
	if ok {
		return id
	}

	deviceIDs.Lock()
	defer deviceIDs.Unlock()
	if id, ok := deviceIDs.m[key]; ok {
		return id
	}
	id = uuid.NewString()
	deviceIDs.m[key] = id
	return id
}

// UserAgentFor renders the Dalvik user agent of d.
func UserAgentFor(d DeviceModel) string {
	return fmt.Sprintf("Dalvik/2.1.0 (Linux; U; Android %s; %s Build/%s)", d.Release, d.Model, d.Build)
}

// NewDeviceProfile draws a random handset from DeviceCatalog.
func NewDeviceProfile() (DeviceProfile, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(DeviceCatalog))))
	if err != nil {
		return DeviceProfile{}, err
	}
	return NewDeviceProfileFor(DeviceCatalog[n.Int64()])
}

// NewDeviceProfileFor builds a profile for a specific handset.
func NewDeviceProfileFor(d DeviceModel) (DeviceProfile, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return DeviceProfile{}, err
	}
	return DeviceProfile{
		UserAgent:      UserAgentFor(d),
		Device:         d,
		DeviceID:       consistentDeviceID(d),
		FamilyDeviceID: uuid.NewString(),
		AndroidID:      hex.EncodeToString(raw),
	}, nil
}

// DeviceStore persists a DeviceProfile as JSON. A zero Path keeps the profile in memory only.
type DeviceStore struct {
	Path string

	mu      sync.Mutex
	current *DeviceProfile
}

// NewDeviceStore returns a store backed by path.
func NewDeviceStore(path string) *DeviceStore {
	return &DeviceStore{Path: path}
}

// LoadOrCreate returns the persisted profile, creating and saving a new one when none exists,
// the stored one is unusable, or rotate is set.
func (s *DeviceStore) LoadOrCreate(rotate bool) (DeviceProfile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !rotate {
		if s.current != nil {
			return *s.current, false, nil
		}
		if p, err := s.load(); err == nil && p.Valid() {
			s.current = &p
			return p, false, nil
		}
	}

	p, err := NewDeviceProfile()
	if err != nil {
		return DeviceProfile{}, false, err
	}
	if err := s.save(p); err != nil {
		return DeviceProfile{}, false, err
	}
	s.current = &p
	return p, true, nil
}

func (s *DeviceStore) load() (DeviceProfile, error) {
	if s.Path == "" {
		return DeviceProfile{}, fs.ErrNotExist
	}
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return DeviceProfile{}, err
	}
	var p DeviceProfile
	if err := json.Unmarshal(b, &p); err != nil {
		return DeviceProfile{}, err
	}
	return p, nil
}

func (s *DeviceStore) save(p DeviceProfile) error {
	if s.Path == "" {
		return nil
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	return os.WriteFile(s.Path, b, 0o600)
}
