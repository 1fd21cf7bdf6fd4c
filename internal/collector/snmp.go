package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/taniwha3/rrdpoll/internal/models"
)

// SNMPQuerier issues one SNMP v2c GET per call over a fresh session
type SNMPQuerier struct {
	// Port is used when the target carries no explicit port (default 161)
	Port uint16
	// Timeout applies when the context has no deadline (default 5s)
	Timeout time.Duration
	// Retries is the number of retransmissions inside one query (default 0)
	Retries int
}

// NewSNMPQuerier returns a querier with default port and timeout
func NewSNMPQuerier() *SNMPQuerier {
	return &SNMPQuerier{
		Port:    models.DefaultPort,
		Timeout: 5 * time.Second,
	}
}

// Get opens a session to q.Target and fetches q.MetricID
func (s *SNMPQuerier) Get(ctx context.Context, q models.MetricQuery) (any, error) {
	host, port, err := models.SplitTarget(q.Target, s.port())
	if err != nil {
		return nil, err
	}

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	session := &gosnmp.GoSNMP{
		Target:    host,
		Port:      port,
		Transport: "udp",
		Community: q.Credential,
		Version:   gosnmp.Version2c,
		Timeout:   timeout,
		Retries:   s.Retries,
		MaxOids:   gosnmp.MaxOids,
		Context:   ctx,
	}

	if err := session.Connect(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	defer session.Conn.Close()

	packet, err := session.Get([]string{q.MetricID})
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	if packet.Error != gosnmp.NoError {
		return nil, fmt.Errorf("agent error status %v at index %d", packet.Error, packet.ErrorIndex)
	}
	if len(packet.Variables) == 0 {
		return nil, fmt.Errorf("empty response")
	}

	return pduValue(packet.Variables[0]), nil
}

// pduValue returns the raw value of a response variable. Missing objects
// come back as nil, which the collector stores as 0.
func pduValue(pdu gosnmp.SnmpPDU) any {
	switch pdu.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
		return nil
	}
	return pdu.Value
}

func (s *SNMPQuerier) port() uint16 {
	if s.Port == 0 {
		return models.DefaultPort
	}
	return s.Port
}
