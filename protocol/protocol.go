// Package protocol defines the filesfer wire vocabulary: newline-terminated
// control lines separated by '|', with raw upload and download payloads whose
// length is declared by the preceding control line.
package protocol

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Control line tags.
const (
	TagList           = "LIST"
	TagUploadInit     = "UPLOAD_INIT"
	TagUploadAck      = "UPLOAD_ACK"
	TagUploadComplete = "UPLOAD_COMPLETE"
	TagDownload       = "DOWNLOAD"
	TagDownloadStart  = "DOWNLOAD_START"
	TagDownloadDone   = "DOWNLOAD_DONE"
	TagError          = "ERROR"
)

const (
	// Separator splits the fields of a control line.
	Separator = "|"

	// Terminator ends every control line.
	Terminator = '\n'

	// MaxLineLength bounds a single control line. Longer lines are rejected
	// instead of being buffered without limit.
	MaxLineLength = 64 * 1024
)

// Error reasons sent back in ERROR| replies.
const (
	ReasonUnknownCommand    = "Unknown command"
	ReasonInvalidUploadInit = "Invalid UPLOAD_INIT command format"
	ReasonInvalidFileName   = "Invalid file name"
	ReasonFileNotFound      = "File not found"
	ReasonUploadIncomplete  = "Upload incomplete or canceled"
	ReasonLineTooLong       = "Command too long"
)

var (
	// ErrUnknownCommand is returned by ParseCommand for lines that match no command.
	ErrUnknownCommand = errors.New(ReasonUnknownCommand)

	// ErrMalformed is returned by ParseCommand when a known command has bad arguments.
	ErrMalformed = errors.New(ReasonInvalidUploadInit)

	// ErrInvalidName is returned by SanitizeFileName when nothing usable remains
	// of the requested name.
	ErrInvalidName = errors.New(ReasonInvalidFileName)
)

// Kind identifies a parsed client command.
type Kind int

const (
	KindList Kind = iota + 1
	KindUploadInit
	KindDownload
)

// String returns the wire tag of the command kind.
func (k Kind) String() string {
	switch k {
	case KindList:
		return TagList
	case KindUploadInit:
		return TagUploadInit
	case KindDownload:
		return TagDownload
	default:
		return "UNKNOWN"
	}
}

// Command is a parsed client control line.
type Command struct {
	Kind     Kind
	FileName string
	Size     int64
}

// ParseCommand parses one control line received from a client. A trailing
// "\n" or "\r\n" is ignored.
//
// Parameters:
//   - line: The raw control line
//
// Returns:
//   - The parsed Command
//   - ErrUnknownCommand if the line matches no command, or ErrMalformed if an
//     UPLOAD_INIT line does not carry exactly a name and a non-negative size
func ParseCommand(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")

	switch {
	case line == TagList:
		return Command{Kind: KindList}, nil

	case strings.HasPrefix(line, TagUploadInit+Separator):
		parts := strings.Split(line, Separator)
		if len(parts) != 3 {
			return Command{}, ErrMalformed
		}

		size, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil || size < 0 {
			return Command{}, ErrMalformed
		}

		return Command{Kind: KindUploadInit, FileName: parts[1], Size: size}, nil

	case strings.HasPrefix(line, TagDownload+Separator):
		name := strings.TrimSpace(strings.TrimPrefix(line, TagDownload+Separator))
		return Command{Kind: KindDownload, FileName: name}, nil
	}

	return Command{}, ErrUnknownCommand
}

// SanitizeFileName reduces a client-supplied name to its final path
// component. Both '/' and '\' count as separators so that Windows-style
// paths cannot smuggle a directory past a Unix server. Surrounding
// whitespace is kept; ParseCommand trims DOWNLOAD names itself.
//
// Parameters:
//   - name: The name as sent by the client
//
// Returns:
//   - The bare file name
//   - ErrInvalidName if the result is blank, "." or ".."
func SanitizeFileName(name string) (string, error) {
	normalized := strings.ReplaceAll(name, `\`, "/")
	base := path.Base(normalized)
	if strings.HasSuffix(normalized, "/") || base == "." || base == ".." || base == "/" || strings.TrimSpace(base) == "" {
		return "", ErrInvalidName
	}

	if strings.ContainsRune(base, 0) {
		return "", ErrInvalidName
	}

	return base, nil
}

// Line joins a tag and its fields into a terminated control line.
func Line(tag string, fields ...string) []byte {
	var b strings.Builder
	b.WriteString(tag)
	for _, f := range fields {
		b.WriteString(Separator)
		b.WriteString(f)
	}

	b.WriteByte(Terminator)
	return []byte(b.String())
}

// ListReply builds the reply to LIST. An empty store yields "LIST|".
func ListReply(names []string) []byte {
	return []byte(TagList + Separator + strings.Join(names, Separator) + string(Terminator))
}

// DownloadStart builds the header that precedes a download payload.
func DownloadStart(size int64) []byte {
	return Line(TagDownloadStart, strconv.FormatInt(size, 10))
}

// UploadInit builds the client line that opens an upload.
func UploadInit(name string, size int64) []byte {
	return Line(TagUploadInit, name, strconv.FormatInt(size, 10))
}

// Download builds the client line that requests a file.
func Download(name string) []byte {
	return Line(TagDownload, name)
}

// Error builds an ERROR| reply carrying reason.
func Error(reason string) []byte {
	return Line(TagError, reason)
}

// Errorf builds an ERROR| reply from a format string.
func Errorf(format string, args ...any) []byte {
	return Error(fmt.Sprintf(format, args...))
}

// Reply is a control line received from the server, split into its tag and
// fields.
type Reply struct {
	Tag    string
	Fields []string
}

// ParseReply splits a server control line. For LIST replies an empty
// trailing field set (the "LIST|" form) yields no fields.
func ParseReply(line string) Reply {
	line = strings.TrimRight(line, "\r\n")
	tag, rest, found := strings.Cut(line, Separator)
	if !found {
		return Reply{Tag: tag}
	}

	if tag == TagList && rest == "" {
		return Reply{Tag: tag, Fields: []string{}}
	}

	if tag == TagError {
		return Reply{Tag: tag, Fields: []string{rest}}
	}

	return Reply{Tag: tag, Fields: strings.Split(rest, Separator)}
}

// IsError reports whether the reply is an ERROR| line.
func (r Reply) IsError() bool {
	return r.Tag == TagError
}

// Reason returns the text of an ERROR| reply, or "" for other replies.
func (r Reply) Reason() string {
	if !r.IsError() || len(r.Fields) == 0 {
		return ""
	}

	return r.Fields[0]
}
