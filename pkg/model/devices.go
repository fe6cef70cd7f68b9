package model

import (
	"encoding/csv"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
)

// minPlanMbps is the floor for every plan field.
const minPlanMbps = 0.01

// SqmOverride is a per-circuit AQM override. An empty side means "use
// the global default" for that direction.
type SqmOverride struct {
	Down string
	Up   string
}

// ShapedDevice is one row of the device table.
type ShapedDevice struct {
	CircuitID   string
	CircuitName string
	DeviceID    string
	DeviceName  string
	ParentNode  string
	Mac         string
	IPv4        []netip.Prefix
	IPv6        []netip.Prefix
	DownloadMinMbps float32
	UploadMinMbps   float32
	DownloadMaxMbps float32
	UploadMaxMbps   float32
	Comment     string
	SqmOverride *SqmOverride

	CircuitHash int64
	DeviceHash  int64
	ParentHash  int64
}

// Circuit aggregates the devices sharing a circuit ID into the billing
// unit the shaper provisions.
type Circuit struct {
	ID   string
	Name string
	Hash int64

	ParentNodeIdx int

	DownloadMinMbps float32
	UploadMinMbps   float32
	DownloadMaxMbps float32
	UploadMaxMbps   float32
	SqmOverride     *SqmOverride

	// Devices holds indices into Model.Devices.
	Devices []int
}

// LoadErrorKind discriminates device/topology load failures so reload
// callers can surface a precise cause.
type LoadErrorKind int

const (
	LoadMissingFile LoadErrorKind = iota
	LoadMalformed
	LoadDuplicateAddress
	LoadUnknownParent
	LoadBandwidthFloor
	LoadDeviceIDCollision
)

// LoadError is the typed failure returned by model loading.
type LoadError struct {
	Kind   LoadErrorKind
	Detail string
}

func (e *LoadError) Error() string { return e.Detail }

func loadErrf(kind LoadErrorKind, format string, args ...any) error {
	return &LoadError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// deviceColumns is the mandatory CSV column count; an optional 14th
// column carries the SQM override.
const deviceColumns = 13

func loadShapedDevices(path string) ([]ShapedDevice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, loadErrf(LoadMissingFile, "opening %s: %v", path, err)
	}
	defer f.Close()
	return parseShapedDevices(f)
}

func parseShapedDevices(r io.Reader) ([]ShapedDevice, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var devices []ShapedDevice
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, loadErrf(LoadMalformed, "device table line %d: %v", line+1, err)
		}
		line++
		if line == 1 && strings.EqualFold(strings.TrimSpace(record[0]), "Circuit ID") {
			continue // header row
		}
		if len(record) < deviceColumns {
			return nil, loadErrf(LoadMalformed, "device table line %d: %d columns, need %d", line, len(record), deviceColumns)
		}
		dev, err := deviceFromRecord(record, line)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func deviceFromRecord(record []string, line int) (ShapedDevice, error) {
	dev := ShapedDevice{
		CircuitID:   strings.TrimSpace(record[0]),
		CircuitName: strings.TrimSpace(record[1]),
		DeviceID:    strings.TrimSpace(record[2]),
		DeviceName:  strings.TrimSpace(record[3]),
		ParentNode:  strings.TrimSpace(record[4]),
		Mac:         strings.TrimSpace(record[5]),
		Comment:     strings.TrimSpace(record[12]),
	}
	var err error
	if dev.IPv4, err = parseCidrList(record[6], 32); err != nil {
		return dev, loadErrf(LoadMalformed, "line %d ipv4: %v", line, err)
	}
	if dev.IPv6, err = parseCidrList(record[7], 128); err != nil {
		return dev, loadErrf(LoadMalformed, "line %d ipv6: %v", line, err)
	}

	plans := []struct {
		field string
		dst   *float32
	}{
		{record[8], &dev.DownloadMinMbps},
		{record[9], &dev.UploadMinMbps},
		{record[10], &dev.DownloadMaxMbps},
		{record[11], &dev.UploadMaxMbps},
	}
	for _, p := range plans {
		v, err := strconv.ParseFloat(strings.TrimSpace(p.field), 32)
		if err != nil {
			return dev, loadErrf(LoadMalformed, "line %d bandwidth %q: %v", line, p.field, err)
		}
		// Compare at float32 precision: the parsed 0.01 is 0.0099999998
		// as a float32 and must still meet the floor.
		if float32(v) < float32(minPlanMbps) {
			return dev, loadErrf(LoadBandwidthFloor, "line %d bandwidth %v Mbps below the %v Mbps floor", line, v, minPlanMbps)
		}
		*p.dst = float32(v)
	}

	if len(record) > deviceColumns {
		override, err := parseSqmOverride(record[13])
		if err != nil {
			return dev, loadErrf(LoadMalformed, "line %d sqm: %v", line, err)
		}
		dev.SqmOverride = override
	}

	dev.CircuitHash = HashString(dev.CircuitID)
	dev.DeviceHash = HashString(dev.DeviceID)
	dev.ParentHash = HashString(dev.ParentNode)
	return dev, nil
}

func parseCidrList(field string, hostBits int) ([]netip.Prefix, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, nil
	}
	var out []netip.Prefix
	for _, token := range strings.Split(field, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if !strings.Contains(token, "/") {
			// A bare address is a host route.
			token = fmt.Sprintf("%s/%d", token, hostBits)
		}
		pfx, err := netip.ParsePrefix(token)
		if err != nil {
			return nil, err
		}
		out = append(out, pfx.Masked())
	}
	return out, nil
}

func parseSqmOverride(field string) (*SqmOverride, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, nil
	}
	valid := func(s string) bool {
		switch s {
		case "", "cake", "fq_codel", "none":
			return true
		}
		return false
	}
	if strings.Contains(field, "/") {
		parts := strings.SplitN(field, "/", 2)
		down, up := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if !valid(down) || !valid(up) {
			return nil, fmt.Errorf("unrecognized sqm override %q", field)
		}
		return &SqmOverride{Down: down, Up: up}, nil
	}
	if !valid(field) {
		return nil, fmt.Errorf("unrecognized sqm override %q", field)
	}
	return &SqmOverride{Down: field, Up: field}, nil
}

// saveShapedDevices writes the table back in file column order, so a
// load-save-load round trip is identity.
func saveShapedDevices(w io.Writer, devices []ShapedDevice) error {
	writer := csv.NewWriter(w)
	header := []string{
		"Circuit ID", "Circuit Name", "Device ID", "Device Name", "Parent Node",
		"MAC", "IPv4", "IPv6", "Download Min Mbps", "Upload Min Mbps",
		"Download Max Mbps", "Upload Max Mbps", "Comment", "sqm",
	}
	if err := writer.Write(header); err != nil {
		return err
	}
	for _, d := range devices {
		sqm := ""
		if d.SqmOverride != nil {
			if d.SqmOverride.Down == d.SqmOverride.Up {
				sqm = d.SqmOverride.Down
			} else {
				sqm = d.SqmOverride.Down + "/" + d.SqmOverride.Up
			}
		}
		row := []string{
			d.CircuitID, d.CircuitName, d.DeviceID, d.DeviceName, d.ParentNode,
			d.Mac, joinPrefixes(d.IPv4), joinPrefixes(d.IPv6),
			formatPlan(d.DownloadMinMbps), formatPlan(d.UploadMinMbps),
			formatPlan(d.DownloadMaxMbps), formatPlan(d.UploadMaxMbps),
			d.Comment, sqm,
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func joinPrefixes(prefixes []netip.Prefix) string {
	parts := make([]string, len(prefixes))
	for i, p := range prefixes {
		parts[i] = p.String()
	}
	return strings.Join(parts, ", ")
}

func formatPlan(mbps float32) string {
	return strconv.FormatFloat(float64(mbps), 'g', -1, 32)
}
