// Package receipt renders ticket receipts as ESC/POS byte streams for 80mm
// thermal printers and sends them to the printer device.
package receipt

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"qms/edge-service/internal/models"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

const issuedLayout = "02/01/2006 15:04:05"

var (
	escInit        = []byte{0x1b, 0x40}
	escCenter      = []byte{0x1b, 0x61, 0x01}
	escExpandedOn  = []byte{0x1b, 0x21, 0x30}
	escExpandedOff = []byte{0x1b, 0x21, 0x00}
	escBoldOn      = []byte{0x1b, 0x45, 0x01}
	escBoldOff     = []byte{0x1b, 0x45, 0x00}
	gsCut          = []byte{0x1d, 0x56, 0x00}
)

type Receipt struct {
	TicketCode  string
	ServiceName string
	Priority    string
	IssuedAt    time.Time
	TenantName  string
}

// Render lays out the receipt: tenant header, service, priority, the
// ticket code in large type and the issue time in loc, then cuts.
func Render(r Receipt, loc *time.Location) []byte {
	if loc == nil {
		loc = time.Local
	}
	var buf bytes.Buffer
	buf.Write(escInit)
	buf.Write(escCenter)

	if name := strings.TrimSpace(r.TenantName); name != "" {
		buf.Write(escExpandedOn)
		for _, part := range strings.SplitN(name, " - ", 2) {
			writeText(&buf, part+"\n")
		}
		buf.Write(escExpandedOff)
		writeText(&buf, strings.Repeat("-", 32)+"\n")
	}
	buf.WriteByte('\n')

	writeField(&buf, "SERVIÇO:\n", r.ServiceName+"\n")
	writeField(&buf, "PRIORIDADE:\n", PriorityLabel(r.Priority)+"\n")
	writeField(&buf, "SENHA: ", r.TicketCode+"\n")

	issued := r.IssuedAt.In(loc).Format(issuedLayout)
	datePart, timePart, _ := strings.Cut(issued, " ")
	buf.Write(escBoldOn)
	writeText(&buf, "EMITIDO EM: "+datePart+"\n")
	writeText(&buf, timePart+"\n")
	buf.Write(escBoldOff)

	// feed past the cutter before cutting
	buf.WriteString(strings.Repeat("\n", 8))
	buf.Write(gsCut)
	return buf.Bytes()
}

// Text is the receipt as plain lines, for totem screens and the emit
// response.
func Text(r Receipt, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	var b strings.Builder
	if name := strings.TrimSpace(r.TenantName); name != "" {
		for _, part := range strings.SplitN(name, " - ", 2) {
			b.WriteString(part + "\n")
		}
		b.WriteString(strings.Repeat("-", 32) + "\n")
	}
	fmt.Fprintf(&b, "SERVIÇO: %s\n", r.ServiceName)
	fmt.Fprintf(&b, "PRIORIDADE: %s\n", PriorityLabel(r.Priority))
	fmt.Fprintf(&b, "SENHA: %s\n", r.TicketCode)
	fmt.Fprintf(&b, "EMITIDO EM: %s\n", r.IssuedAt.In(loc).Format(issuedLayout))
	return b.String()
}

func PriorityLabel(priority string) string {
	if priority == models.PriorityPreferential {
		return "Preferencial"
	}
	return "Normal"
}

func writeField(buf *bytes.Buffer, label, value string) {
	writeText(buf, label)
	buf.Write(escExpandedOn)
	writeText(buf, value)
	buf.Write(escExpandedOff)
	buf.WriteByte('\n')
}

// writeText encodes s as Windows-1252, replacing characters the printer's
// code page cannot represent.
func writeText(buf *bytes.Buffer, s string) {
	encoder := encoding.ReplaceUnsupported(charmap.Windows1252.NewEncoder())
	encoded, err := encoder.Bytes([]byte(s))
	if err != nil {
		buf.WriteString(s)
		return
	}
	buf.Write(encoded)
}
