package secrets

import (
	"bytes"
	"encoding/base64"
	"sync"

	"github.com/sirupsen/logrus"

	"k8s.io/apimachinery/pkg/util/sets"
)

// DynamicCensor keeps a list of censored secrets that is dynamically updated.
// Used when the list of secrets to censor is updated during the execution of
// the program and cannot be determined in advance. Access to the list of
// secrets is internally synchronized.
type DynamicCensor struct {
	sync.RWMutex
	secrets sets.Set[string]
}

func NewDynamicCensor() DynamicCensor {
	return DynamicCensor{
		secrets: sets.New[string](),
	}
}

// AddSecrets adds the content of one or more secrets to the censor list,
// together with their base64 encodings as they appear in request bodies.
func (c *DynamicCensor) AddSecrets(s ...string) {
	c.Lock()
	defer c.Unlock()
	for _, secret := range s {
		if secret == "" {
			continue
		}
		c.secrets.Insert(secret, base64.StdEncoding.EncodeToString([]byte(secret)))
	}
}

// Censor masks every known secret in data with a run of 'X' of equal length.
func (c *DynamicCensor) Censor(data *[]byte) {
	c.RLock()
	defer c.RUnlock()
	for secret := range c.secrets {
		*data = bytes.ReplaceAll(*data, []byte(secret), bytes.Repeat([]byte("X"), len(secret)))
	}
}

// Formatter creates a new formatter to be used to filter output.
func (c *DynamicCensor) Formatter(f logrus.Formatter) logrus.Formatter {
	return &censoringFormatter{delegate: f, censor: c}
}

type censoringFormatter struct {
	delegate logrus.Formatter
	censor   *DynamicCensor
}

func (f *censoringFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	raw, err := f.delegate.Format(entry)
	if err != nil {
		return nil, err
	}
	f.censor.Censor(&raw)
	return raw, nil
}
