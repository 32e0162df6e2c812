package transport

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// decodeBody 按Content-Encoding读取并解码响应体
// 未知编码记录警告并返回原始内容以保持兼容性
func decodeBody(resp *http.Response) ([]byte, error) {
	contentEncoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))

	var reader io.Reader = resp.Body
	switch contentEncoding {
	case "", "identity":
		// 无编码，直接读取

	case "gzip":
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gzipReader.Close()
		reader = gzipReader

	case "deflate":
		deflateReader := flate.NewReader(resp.Body)
		defer deflateReader.Close()
		reader = deflateReader

	case "br":
		reader = brotli.NewReader(resp.Body)

	default:
		slog.Warn(fmt.Sprintf("⚠️ [响应解码] 未知的内容编码: %s, 返回原始内容", contentEncoding))
	}

	return io.ReadAll(reader)
}
