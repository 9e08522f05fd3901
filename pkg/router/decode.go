package router

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"
)

// deviceListXML is the document served by the router.
//
// `device` shows up once when the router knows of a single device and many
// times otherwise; a slice field absorbs both shapes.
//
type deviceListXML struct {
	XMLName xml.Name `xml:"deviceList"`

	// only direct children of deviceList count; a device nested in
	// another device is ignored.
	Devices []deviceXML `xml:"device"`
}

// deviceXML fields are slices so that a repeated element can be told apart
// from a single one.
//
type deviceXML struct {
	MAC         []string `xml:"mac"`
	HostName    []string `xml:"hostName"`
	Alive       []string `xml:"alive"`
	LastSeeTime []string `xml:"lastSeeTime"`
	ActiveTime  []string `xml:"activeTime"`
}

var (
	errEmptyField      = errors.New("empty value")
	errRepeatedField   = errors.New("element repeated")
	errTrailingContent = errors.New("unexpected content after deviceList")
)

// Decode parses the raw device list served by the router into a flat list of
// devices, preserving the order in which the router reported them.
//
// Timestamps are reported as `value|metadata`; only `value` is kept.
//
func Decode(raw []byte) ([]Device, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &DecodeError{Index: -1, Err: errors.New("empty document")}
	}

	// embedded web servers often declare latin-1 rather than utf-8.
	decoder := xml.NewDecoder(bytes.NewReader(raw))
	decoder.CharsetReader = charset.NewReaderLabel

	var doc deviceListXML
	if err := decoder.Decode(&doc); err != nil {
		return nil, &DecodeError{Index: -1, Err: err}
	}

	if err := expectEOF(decoder); err != nil {
		return nil, &DecodeError{Index: -1, Err: err}
	}

	devices := make([]Device, 0, len(doc.Devices))
	for idx, d := range doc.Devices {
		device, err := d.toDevice(idx)
		if err != nil {
			return nil, err
		}

		devices = append(devices, device)
	}

	return devices, nil
}

// expectEOF consumes whatever follows the root element, accepting only
// whitespace, comments and processing instructions.
//
func expectEOF(decoder *xml.Decoder) error {
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		switch t := tok.(type) {
		case xml.Comment, xml.ProcInst:
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return errTrailingContent
			}
		default:
			return errTrailingContent
		}
	}
}

func (d deviceXML) toDevice(idx int) (Device, error) {
	mac := first(d.MAC)

	fail := func(field string, err error) (Device, error) {
		return Device{}, &DecodeError{
			Index: idx,
			MAC:   mac,
			Field: field,
			Err:   err,
		}
	}

	fields := []struct {
		name   string
		values []string
	}{
		{"mac", d.MAC},
		{"hostName", d.HostName},
		{"alive", d.Alive},
		{"lastSeeTime", d.LastSeeTime},
		{"activeTime", d.ActiveTime},
	}
	for _, f := range fields {
		if len(f.values) > 1 {
			return fail(f.name, errRepeatedField)
		}
	}

	device := Device{
		MAC:      mac,
		HostName: first(d.HostName),
	}

	if device.HostName == "" {
		device.HostName = UnknownHostName
	}

	if v := strings.TrimSpace(first(d.Alive)); v != "" {
		alive, err := strconv.Atoi(v)
		if err != nil {
			return fail("alive", err)
		}

		device.Alive = alive
	}

	// timestamps of offline devices are never looked at, so routers that
	// leave them blank shouldn't break the whole document.
	required := device.IsAlive()

	var err error

	device.LastSeen, err = leadingInt(first(d.LastSeeTime), required)
	if err != nil {
		return fail("lastSeeTime", err)
	}

	device.Active, err = leadingInt(first(d.ActiveTime), required)
	if err != nil {
		return fail("activeTime", err)
	}

	return device, nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}

	return values[0]
}

// leadingInt parses the part of `raw` that comes before the first `|`.
//
//	f("1690000000|0") -> 1690000000
//
func leadingInt(raw string, required bool) (int64, error) {
	head, _, _ := strings.Cut(raw, "|")
	head = strings.TrimSpace(head)

	if head == "" {
		if required {
			return 0, errEmptyField
		}

		return 0, nil
	}

	v, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse '%s': %w", head, err)
	}

	return v, nil
}
