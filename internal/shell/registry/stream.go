package registry

import (
	_ "crypto/sha256"
	"encoding/json"
	"errors"
	"io"
	"regexp"

	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/opencontainers/go-digest"
)

// pushAux is the aux record the daemon emits once a tag is pushed.
type pushAux struct {
	Tag    string `json:"Tag"`
	Digest string `json:"Digest"`
	Size   int64  `json:"Size"`
}

// statusDigest matches the "<tag>: digest: sha256:... size: N" status line
// older daemons emit instead of an aux record.
var statusDigest = regexp.MustCompile(`digest: (sha256:[a-f0-9]{64})`)

// errStreamError marks an error reported inside the push stream, as opposed
// to a failure reading the stream.
var errStreamError = errors.New("push stream error")

// readPushStream drains a push progress stream and returns the manifest
// digest. progress receives the human-readable output and may be io.Discard.
func readPushStream(stream io.Reader, progress io.Writer) (digest.Digest, error) {
	var (
		pushed  digest.Digest
		auxErr  error
		statusW = &statusScanner{w: progress}
	)

	err := jsonmessage.DisplayJSONMessagesStream(stream, statusW, 0, false, func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil {
			return
		}
		var aux pushAux
		if err := json.Unmarshal(*msg.Aux, &aux); err != nil || aux.Digest == "" {
			return
		}
		d, err := digest.Parse(aux.Digest)
		if err != nil {
			auxErr = err
			return
		}
		pushed = d
	})
	if err != nil {
		var jerr *jsonmessage.JSONError
		if errors.As(err, &jerr) {
			return "", &streamError{msg: jerr.Message}
		}
		return "", err
	}
	if auxErr != nil {
		return "", auxErr
	}

	if pushed == "" && statusW.digest != "" {
		d, err := digest.Parse(statusW.digest)
		if err != nil {
			return "", err
		}
		pushed = d
	}
	return pushed, nil
}

// streamError is an error the registry reported through the daemon.
type streamError struct {
	msg string
}

func (e *streamError) Error() string { return e.msg }

func (e *streamError) Is(target error) bool { return target == errStreamError }

// statusScanner forwards rendered progress and remembers a status digest.
type statusScanner struct {
	w      io.Writer
	digest string
}

func (s *statusScanner) Write(p []byte) (int, error) {
	if m := statusDigest.FindSubmatch(p); m != nil {
		s.digest = string(m[1])
	}
	if s.w == nil {
		return len(p), nil
	}
	return s.w.Write(p)
}
