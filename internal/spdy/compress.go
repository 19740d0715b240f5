package spdy

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"
)

// headerDictionary is the preset zlib dictionary shared by both ends for
// header block compression. It includes the trailing NUL byte; both sides
// must use the identical dictionary or decompression fails immediately.
const headerDictionary = "optionsgetheadpostputdeletetraceacceptaccept-charsetaccept-encodingaccept-" +
	"languageauthorizationexpectfromhostif-modified-sinceif-matchif-none-matchi" +
	"f-rangeif-unmodifiedsincemax-forwardsproxy-authorizationrangerefererteuser" +
	"-agent10010120020120220320420520630030130230330430530630740040140240340440" +
	"5406407408409410411412413414415416417500501502503504505accept-rangesageeta" +
	"glocationproxy-authenticatepublicretry-afterservervarywarningwww-authentic" +
	"ateallowcontent-basecontent-encodingcache-controlconnectiondatetrailertran" +
	"sfer-encodingupgradeviawarningcontent-languagecontent-lengthcontent-locati" +
	"oncontent-md5content-rangecontent-typeetagexpireslast-modifiedset-cookieMo" +
	"ndayTuesdayWednesdayThursdayFridaySaturdaySundayJanFebMarAprMayJunJulAugSe" +
	"pOctNovDecchunkedtext/htmlimage/pngimage/jpgimage/gifapplication/xmlapplic" +
	"ation/xhtmltext/plainpublicmax-agecharset=iso-8859-1utf-8gzipdeflateHTTP/1" +
	".1statusversionurl\x00"

// compressionLevel trades CPU for header size; headers are small and highly
// redundant, so maximum compression is the conventional choice.
const compressionLevel = zlib.BestCompression

// headerCompressor is the send-direction compression context. It is owned by
// exactly one session, never shared and never reset mid-session: the zlib
// stream state carries over from one header block to the next.
type headerCompressor struct {
	buf bytes.Buffer
	zw  *zlib.Writer
}

func newHeaderCompressor() (*headerCompressor, error) {
	c := &headerCompressor{}
	zw, err := zlib.NewWriterLevelDict(&c.buf, compressionLevel, []byte(headerDictionary))
	if err != nil {
		return nil, NewSessionErrorWithCause(ErrCodeCompressionFailure, "failed to create header compressor", err)
	}
	c.zw = zw
	return c, nil
}

// compress deflates one serialized header block. Each block ends with a sync
// flush so the receiver can fully drain it without waiting for more input.
func (c *headerCompressor) compress(raw []byte) ([]byte, error) {
	c.buf.Reset()
	if _, err := c.zw.Write(raw); err != nil {
		return nil, NewSessionErrorWithCause(ErrCodeCompressionFailure, "header block compression failed", err)
	}
	if err := c.zw.Flush(); err != nil {
		return nil, NewSessionErrorWithCause(ErrCodeCompressionFailure, "header block flush failed", err)
	}
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}

// headerDecompressor is the receive-direction compression context. Like the
// compressor it is per-session state: a corrupt block poisons every later
// block, so any error here is terminal for the session.
type headerDecompressor struct {
	in bytes.Buffer
	zr io.ReadCloser
}

func newHeaderDecompressor() *headerDecompressor {
	return &headerDecompressor{}
}

// decompressBlock feeds one compressed header block into the context and
// parses the inflated name/value pairs. Reads are exact: the block's wire
// form is self-describing, so the inflater is never asked for bytes beyond
// what this block produced.
func (d *headerDecompressor) decompressBlock(block []byte) (HeaderBlock, error) {
	d.in.Write(block)
	if d.zr == nil {
		zr, err := zlib.NewReaderDict(&d.in, []byte(headerDictionary))
		if err != nil {
			return nil, NewSessionErrorWithCause(ErrCodeDecompressionFailure, "failed to create header decompressor", err)
		}
		d.zr = zr
	}

	var countBuf [2]byte
	if _, err := io.ReadFull(d.zr, countBuf[:]); err != nil {
		return nil, NewSessionErrorWithCause(ErrCodeDecompressionFailure, "truncated header block", err)
	}
	count := binary.BigEndian.Uint16(countBuf[:])

	headers := make(HeaderBlock, count)
	for i := 0; i < int(count); i++ {
		name, err := d.readString()
		if err != nil {
			return nil, err
		}
		value, err := d.readString()
		if err != nil {
			return nil, err
		}
		if len(name) == 0 || len(value) == 0 {
			return nil, NewSessionError(ErrCodeDecompressionFailure, "header block contains an empty name or value")
		}
		if _, dup := headers[name]; dup {
			return nil, NewSessionError(ErrCodeDecompressionFailure, fmt.Sprintf("header block repeats name %q", name))
		}
		headers[name] = value
	}
	return headers, nil
}

func (d *headerDecompressor) readString() (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(d.zr, lenBuf[:]); err != nil {
		return "", NewSessionErrorWithCause(ErrCodeDecompressionFailure, "truncated header block", err)
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.zr, buf); err != nil {
		return "", NewSessionErrorWithCause(ErrCodeDecompressionFailure, "truncated header block", err)
	}
	return string(buf), nil
}
