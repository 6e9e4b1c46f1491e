package cfg

import (
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const maxScannersFileSize = 1 << 20

// ScannerDef is one entry of the scanners file:
//
//	scanners:
//	  - name: PyPi
//	    pattern: 'pypi-AgEIcHlwaS5vcmc[A-Za-z0-9-_]{70,}'
//	    invalidate: true
type ScannerDef struct {
	Name       string `koanf:"name"`
	Pattern    string `koanf:"pattern"`
	Invalidate *bool  `koanf:"invalidate"`
}

// ShouldInvalidate defaults to true when the file leaves the flag out.
func (d ScannerDef) ShouldInvalidate() bool {
	return d.Invalidate == nil || *d.Invalidate
}

// LoadScanners reads configured scanner definitions. A missing file means no
// configured scanners; anything unreadable or malformed is an error.
func LoadScanners(path string) ([]ScannerDef, error) {
	if path == "" {
		return nil, nil
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "stat scanners file")
	}
	if info.Size() > maxScannersFileSize {
		return nil, errors.Errorf("scanners file exceeds %d bytes", maxScannersFileSize)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read scanners file")
	}
	return ParseScanners(content)
}
func ParseScanners(content []byte) ([]ScannerDef, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return nil, errors.Wrap(err, "parse scanners file")
	}
	var defs []ScannerDef
	if err := k.Unmarshal("scanners", &defs); err != nil {
		return nil, errors.Wrap(err, "decode scanners")
	}
	return defs, nil
}
