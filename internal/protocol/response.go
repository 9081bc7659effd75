package protocol

import (
	"bufio"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"time"
)

// Response is written once per connection.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// TextResponse is a 200 plain-text answer.
func TextResponse(body string) Response {
	return Response{
		Status:      http.StatusOK,
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte(body),
	}
}

// PageResponse sends a static page with the given status. The content type is
// derived from the page name's extension.
func PageResponse(status int, name string, page []byte) Response {
	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return Response{
		Status:      status,
		ContentType: contentType,
		Body:        page,
	}
}

// StatusLine renders "<code> <reason>".
func (r Response) StatusLine() string {
	return fmt.Sprintf("%d %s", r.Status, http.StatusText(r.Status))
}

// Write sends the status line, headers, and body to w and flushes.
func (r Response) Write(w io.Writer, now time.Time) error {
	bw := bufio.NewWriter(w)
	contentType := r.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}
	fmt.Fprintf(bw, "HTTP/1.1 %s\r\n", r.StatusLine())
	fmt.Fprintf(bw, "Server: %s\r\n", ServerName)
	fmt.Fprintf(bw, "Date: %s\r\n", now.UTC().Format(http.TimeFormat))
	fmt.Fprintf(bw, "Content-type: %s\r\n", contentType)
	fmt.Fprintf(bw, "Content-length: %d\r\n", len(r.Body))
	bw.WriteString("\r\n")
	bw.Write(r.Body)
	return bw.Flush()
}
