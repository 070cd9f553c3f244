package nvds

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/hex"
	"io/ioutil"
	"os"

	"github.com/aead/cmac"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// DefaultCapacity is the value space of a file store.
const DefaultCapacity = 4096

type fileEntry struct {
	Tag    uint8  `json:"tag"`
	Data   string `json:"data"`
	Locked bool   `json:"locked,omitempty"`
}

type fileImage struct {
	Entries []fileEntry `json:"entries"`
	MAC     string      `json:"mac"`
}

// File is a Store persisted as JSON. The contents carry an AES-CMAC under
// the store key; an image that fails verification is reported Corrupt.
type File struct {
	*Memory
	path string
	key  []byte
}

// NewFile opens the store at path, creating it when missing. key is an
// AES-128 key.
func NewFile(path string, key []byte, capacity int) (*File, error) {
	if _, err := aes.NewCipher(key); err != nil {
		return nil, errors.Wrap(err, "nvds key")
	}
	f := &File{
		Memory: NewMemory(capacity),
		path:   path,
		key:    append([]byte(nil), key...),
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) Put(t Tag, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.put(t, data, false); err != nil {
		return err
	}
	return f.store()
}

func (f *File) Lock(t Tag) error {
	if err := f.Memory.Lock(t); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store()
}

func (f *File) Delete(t Tag) error {
	if err := f.Memory.Delete(t); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.store()
}

// mac authenticates tag, lock bit, length and value of every entry in
// order.
func (f *File) mac(ee []fileEntry) ([]byte, error) {
	c, err := aes.NewCipher(f.key)
	if err != nil {
		return nil, err
	}
	h, err := cmac.New(c)
	if err != nil {
		return nil, err
	}
	for _, e := range ee {
		data, err := hex.DecodeString(e.Data)
		if err != nil {
			return nil, err
		}
		lock := byte(0)
		if e.Locked {
			lock = 1
		}
		h.Write([]byte{e.Tag, lock, byte(len(data)), byte(len(data) >> 8)})
		h.Write(data)
	}
	return h.Sum(nil), nil
}

func (f *File) load() error {
	in, err := ioutil.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "can't read nvds file")
	}

	var img fileImage
	if err := jsoniter.Unmarshal(in, &img); err != nil {
		return errors.Wrapf(StatusCorrupt, "%s: %v", f.path, err)
	}
	want, err := f.mac(img.Entries)
	if err != nil {
		return errors.Wrapf(StatusCorrupt, "%s: %v", f.path, err)
	}
	got, err := hex.DecodeString(img.MAC)
	if err != nil || subtle.ConstantTimeCompare(want, got) != 1 {
		return errors.Wrapf(StatusCorrupt, "%s: mac mismatch", f.path)
	}

	for _, e := range img.Entries {
		data, _ := hex.DecodeString(e.Data)
		if err := f.put(Tag(e.Tag), data, e.Locked); err != nil {
			return errors.Wrapf(StatusCorrupt, "%s: %v", f.path, err)
		}
	}
	return nil
}

// store writes the image. The caller holds mu.
func (f *File) store() error {
	var img fileImage
	f.each(func(t Tag, e *entry) {
		img.Entries = append(img.Entries, fileEntry{
			Tag:    uint8(t),
			Data:   hex.EncodeToString(e.data),
			Locked: e.locked,
		})
	})

	mac, err := f.mac(img.Entries)
	if err != nil {
		return errors.Wrap(StatusFail, err.Error())
	}
	img.MAC = hex.EncodeToString(mac)

	out, err := jsoniter.MarshalIndent(img, "", "  ")
	if err != nil {
		return errors.Wrap(StatusFail, err.Error())
	}
	if err := ioutil.WriteFile(f.path, out, 0600); err != nil {
		return errors.Wrapf(StatusFail, "write %s: %v", f.path, err)
	}
	return nil
}
