// Package pcap converts packet captures into flow records.
//
// Each IP packet becomes one record: addresses from the network layer, the
// transport protocol name, and the on-wire length as src_bytes.
package pcap

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/hed1ad/flowguard/pkg/flow"
)

// packetSource is satisfied by both pcapgo.Reader and pcapgo.NgReader.
type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Reader reads packets from pcap or pcapng files.
type Reader struct {
	file      *os.File
	source    packetSource
	extractor *Extractor
}

// NewFileReader creates a reader for capture files. Both the classic pcap
// and the pcapng formats are accepted.
func NewFileReader(filename string) (*Reader, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}

	source, err := openSource(file)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Reader{
		file:      file,
		source:    source,
		extractor: NewExtractor(),
	}, nil
}

func openSource(rs io.ReadSeeker) (packetSource, error) {
	r, err := pcapgo.NewReader(rs)
	if err == nil {
		return r, nil
	}
	if _, serr := rs.Seek(0, io.SeekStart); serr != nil {
		return nil, serr
	}
	ng, ngErr := pcapgo.NewNgReader(rs, pcapgo.DefaultNgReaderOptions)
	if ngErr != nil {
		return nil, fmt.Errorf("not a pcap or pcapng file: %w", errors.Join(err, ngErr))
	}
	return ng, nil
}

// Read returns one record per IP packet. Non-IP frames are skipped.
func (r *Reader) Read() ([]flow.Record, error) {
	if r.source == nil {
		return nil, errors.New("reader not initialized")
	}

	var records []flow.Record
	for {
		data, ci, err := r.source.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, err
		}

		packet := gopacket.NewPacket(data, r.source.LinkType(), gopacket.Default)
		packet.Metadata().CaptureInfo = ci

		if rec, ok := r.extractor.Extract(packet); ok {
			records = append(records, rec)
		}
	}

	return records, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Extractor turns decoded packets into flow records.
type Extractor struct{}

// NewExtractor creates a packet extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract converts a packet to a record. It reports false for packets
// without an IPv4 or IPv6 layer.
func (e *Extractor) Extract(packet gopacket.Packet) (flow.Record, bool) {
	var rec flow.Record

	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		rec.SrcIP = ip.SrcIP.String()
		rec.DstIP = ip.DstIP.String()
		rec.Protocol = protocolName(ip.Protocol)
	case *layers.IPv6:
		rec.SrcIP = ip.SrcIP.String()
		rec.DstIP = ip.DstIP.String()
		rec.Protocol = protocolName(ip.NextHeader)
	default:
		return flow.Record{}, false
	}

	// Prefer the decoded transport layer; extension headers hide it from NextHeader.
	switch {
	case packet.Layer(layers.LayerTypeTCP) != nil:
		rec.Protocol = "tcp"
	case packet.Layer(layers.LayerTypeUDP) != nil:
		rec.Protocol = "udp"
	case packet.Layer(layers.LayerTypeICMPv4) != nil, packet.Layer(layers.LayerTypeICMPv6) != nil:
		rec.Protocol = "icmp"
	}

	if md := packet.Metadata(); md != nil {
		rec.Timestamp = md.Timestamp
		rec.SrcBytes = int64(md.Length)
	}
	if rec.SrcBytes == 0 {
		rec.SrcBytes = int64(len(packet.Data()))
	}

	return rec, true
}

func protocolName(p layers.IPProtocol) string {
	switch p {
	case layers.IPProtocolTCP:
		return "tcp"
	case layers.IPProtocolUDP:
		return "udp"
	case layers.IPProtocolICMPv4, layers.IPProtocolICMPv6:
		return "icmp"
	}
	return strings.ToLower(p.String())
}
