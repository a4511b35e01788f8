package broadcast

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/me/cyclecast/pkg/model"
)

// CodecVersion is the snapshot format version written by EncodeTree.
const CodecVersion = "1"

const codecMagic = "cyclecast-broadcast/v"

var (
	// ErrMalformedSnapshot is returned when snapshot bytes cannot be decoded.
	ErrMalformedSnapshot = errors.New("malformed broadcast snapshot")

	// ErrUnsupportedVersion is returned for snapshots written by an unknown
	// codec version.
	ErrUnsupportedVersion = errors.New("unsupported broadcast snapshot version")
)

// EncodeTree serializes tree to a single line: a version header, a space and
// a compact JSON document with mapping keys in sorted order. Encoding an
// unchanged tree always yields the same bytes.
func EncodeTree(tree model.Tree) ([]byte, error) {
	if tree == nil {
		tree = model.Tree{}
	}
	var buf bytes.Buffer
	buf.WriteString(codecMagic + CodecVersion + " ")

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("encode broadcast tree: %w", err)
	}
	// json.Encoder terminates with a newline; Dump adds its own.
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// DecodeTree parses bytes produced by EncodeTree. Numbers are kept as
// json.Number so they re-encode exactly.
func DecodeTree(data []byte) (model.Tree, error) {
	header, body, ok := bytes.Cut(data, []byte(" "))
	if !ok {
		return nil, fmt.Errorf("%w: missing header", ErrMalformedSnapshot)
	}
	version, found := bytes.CutPrefix(header, []byte(codecMagic))
	if !found {
		return nil, fmt.Errorf("%w: bad header %q", ErrMalformedSnapshot, header)
	}
	if string(version) != CodecVersion {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var tree model.Tree
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedSnapshot)
	}
	if tree == nil {
		tree = model.Tree{}
	}
	return tree, nil
}
