package scanner

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"time"
)

const readBufSize = 64 * 1024

func hashFileForUpdate(absPath string) (md5Hex string, size int64, err error) {
	f, err := os.Open(absPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := md5.New()
	buf := make([]byte, readBufSize)
	n, err := io.CopyBuffer(h, f, buf)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), n, nil
}

func formatModTime(epochSeconds float64) string {
	sec := int64(epochSeconds)
	nsec := int64((epochSeconds - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC().Format("2006-01-02 15:04:05")
}
