package backend

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// load knitflow config from a file.
//
// args:
//   - filepath: filepath refers a config file.
//
// returns *BackendConfig, error:
//
//	When loading success, returns `(*BackendConfig, nil)`.
//	Otherwise, returns `(nil, error)`.
func LoadBackendConfig(filepath string) (*BackendConfig, error) {
	content, err := os.ReadFile(filepath)
	if err != nil {
		return nil, err
	}
	return Unmarshal(content)
}

func Unmarshal(conf []byte) (out *BackendConfig, err error) {
	var _out *BackendConfigMarshall
	err = yaml.Unmarshal(conf, &_out)
	if err != nil {
		return nil, err
	}
	if _out == nil {
		_out = &BackendConfigMarshall{}
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%w: %v", ErrMisconfigured, r)
		}
	}()
	out = TrySeal(_out)
	return out, nil
}

var ErrMisconfigured = errors.New("misconfigured")
