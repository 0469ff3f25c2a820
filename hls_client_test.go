package goiptv

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aler9/gortsplib/v2/pkg/codecs/h264"
	"github.com/aler9/gortsplib/v2/pkg/codecs/mpeg4audio"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/bluenviron/goiptv/pkg/fmp4"
	"github.com/bluenviron/goiptv/pkg/mpegts"
)

var testAudioConfig = mpeg4audio.Config{
	Type:         2,
	SampleRate:   44100,
	ChannelCount: 2,
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func mustMarshalAVCC(au [][]byte) []byte {
	enc, err := h264.AVCCMarshal(au)
	if err != nil {
		panic(err)
	}
	return enc
}

func testServer(t *testing.T, setup func(router *gin.Engine)) *httptest.Server {
	router := gin.New()
	setup(router)

	s := httptest.NewServer(router)
	t.Cleanup(s.Close)
	return s
}

func serveBytes(contentType string, byts []byte) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.Data(http.StatusOK, contentType, byts)
	}
}

func mpegtsSegment(t *testing.T, write func(w *mpegts.Writer)) []byte {
	var buf bytes.Buffer
	w := mpegts.NewWriter(&buf, true, &testAudioConfig)

	err := w.WriteTables()
	require.NoError(t, err)

	write(w)

	return buf.Bytes()
}

type hlsClientEvents struct {
	mutex  sync.Mutex
	levels []*Level
	errors []*HLSError
	ended  chan struct{}
	errCh  chan *HLSError
}

func newHLSClientEvents() *hlsClientEvents {
	return &hlsClientEvents{
		ended: make(chan struct{}, 1),
		errCh: make(chan *HLSError, 16),
	}
}

func (e *hlsClientEvents) bind(c *HLSClient) {
	c.OnManifestParsed = func(levels []*Level) {
		e.mutex.Lock()
		defer e.mutex.Unlock()
		e.levels = levels
	}
	c.OnError = func(err *HLSError) {
		e.errCh <- err
	}
	c.OnEnded = func() {
		e.ended <- struct{}{}
	}
	c.OnLog = func(_ LogLevel, _ string, _ ...interface{}) {
	}
}

func (e *hlsClientEvents) nextError(t *testing.T) *HLSError {
	select {
	case err := <-e.errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an error")
	}
	return nil
}

func TestHLSClientMPEGTS(t *testing.T) {
	seg1 := mpegtsSegment(t, func(w *mpegts.Writer) {
		err := w.WriteH264(2*time.Second, 2*time.Second, true, [][]byte{
			{7, 1, 2, 3}, // SPS
			{8},          // PPS
			{5},          // IDR
		})
		require.NoError(t, err)

		err = w.WriteMPEG4Audio(2*time.Second, []byte{1, 2, 3, 4})
		require.NoError(t, err)
	})

	seg2 := mpegtsSegment(t, func(w *mpegts.Writer) {
		err := w.WriteH264(3*time.Second, 3*time.Second, false, [][]byte{
			{1, 4, 5, 6},
		})
		require.NoError(t, err)
	})

	s := testServer(t, func(router *gin.Engine) {
		router.GET("/index.m3u8", serveBytes("application/vnd.apple.mpegurl", []byte("#EXTM3U\n"+
			"#EXT-X-VERSION:3\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=500000,RESOLUTION=640x360,CODECS=\"vp09.00.10.08\"\n"+
			"vp9/stream.m3u8\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=2500000,RESOLUTION=1280x720,CODECS=\"avc1.64001f,mp4a.40.2\"\n"+
			"720/stream.m3u8\n")))

		router.GET("/720/stream.m3u8", serveBytes("application/vnd.apple.mpegurl", []byte("#EXTM3U\n"+
			"#EXT-X-VERSION:3\n"+
			"#EXT-X-TARGETDURATION:2\n"+
			"#EXT-X-MEDIA-SEQUENCE:10\n"+
			"#EXT-X-PLAYLIST-TYPE:VOD\n"+
			"#EXTINF:1,\n"+
			"segment1.ts\n"+
			"#EXTINF:1,\n"+
			"segment2.ts\n"+
			"#EXT-X-ENDLIST\n")))

		router.GET("/720/segment1.ts", serveBytes("video/MP2T", seg1))
		router.GET("/720/segment2.ts", serveBytes("video/MP2T", seg2))
	})

	surface := &testMediaSourceSurface{}
	events := newHLSClientEvents()

	c := &HLSClient{
		URI:     s.URL + "/index.m3u8",
		Surface: surface,
	}
	events.bind(c)

	err := c.Start()
	require.NoError(t, err)
	defer c.Destroy()

	select {
	case <-events.ended:
	case err := <-events.errCh:
		t.Fatal(err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	events.mutex.Lock()
	require.Len(t, events.levels, 1)
	require.Equal(t, 0, events.levels[0].Index)
	require.Equal(t, "720p", events.levels[0].Label)
	require.Equal(t, 720, events.levels[0].Height)
	require.Equal(t, 2500000, events.levels[0].Bandwidth)
	events.mutex.Unlock()

	require.Equal(t, []*Sample{
		{
			PTS:          0,
			DTS:          0,
			RandomAccess: true,
			Data:         [][]byte{{7, 1, 2, 3}, {8}, {5}},
		},
		{
			PTS:  1 * time.Second,
			DTS:  1 * time.Second,
			Data: [][]byte{{1, 4, 5, 6}},
		},
	}, surface.samplesOf(CodecH264))

	require.Equal(t, []*Sample{
		{
			PTS:          0,
			DTS:          0,
			RandomAccess: true,
			Data:         [][]byte{{1, 2, 3, 4}},
		},
	}, surface.samplesOf(CodecMPEG4Audio))
}

func TestHLSClientFMP4(t *testing.T) {
	init, err := (&fmp4.Init{
		Tracks: []*fmp4.InitTrack{
			{
				ID:        1,
				TimeScale: 90000,
				Codec:     fmp4.CodecH264,
				Width:     1280,
				Height:    720,
			},
			{
				ID:           2,
				TimeScale:    44100,
				Codec:        fmp4.CodecMPEG4Audio,
				SampleRate:   44100,
				ChannelCount: 2,
			},
		},
	}).Marshal()
	require.NoError(t, err)

	seg1, err := (&fmp4.Part{
		SequenceNumber: 1,
		Tracks: []*fmp4.PartTrack{
			{
				ID:       1,
				BaseTime: 90000 * 2,
				Samples: []*fmp4.PartSample{
					{
						Duration:  90000,
						PTSOffset: 90000 / 2,
						Payload: mustMarshalAVCC([][]byte{
							{7, 1, 2, 3}, // SPS
							{8},          // PPS
							{5},          // IDR
						}),
					},
				},
			},
			{
				ID:       2,
				BaseTime: 44100 * 2,
				Samples: []*fmp4.PartSample{
					{
						Duration: 1024,
						Payload:  []byte{1, 2, 3, 4},
					},
				},
			},
		},
	}).Marshal()
	require.NoError(t, err)

	seg2, err := (&fmp4.Part{
		SequenceNumber: 2,
		Tracks: []*fmp4.PartTrack{
			{
				ID:       1,
				BaseTime: 90000 * 3,
				Samples: []*fmp4.PartSample{
					{
						Duration:        90000,
						IsNonSyncSample: true,
						Payload: mustMarshalAVCC([][]byte{
							{1, 4, 5, 6},
						}),
					},
				},
			},
		},
	}).Marshal()
	require.NoError(t, err)

	s := testServer(t, func(router *gin.Engine) {
		router.GET("/stream.m3u8", serveBytes("application/vnd.apple.mpegurl", []byte("#EXTM3U\n"+
			"#EXT-X-VERSION:7\n"+
			"#EXT-X-TARGETDURATION:2\n"+
			"#EXT-X-MEDIA-SEQUENCE:20\n"+
			"#EXT-X-PLAYLIST-TYPE:VOD\n"+
			"#EXT-X-MAP:URI=\"init.mp4\"\n"+
			"#EXTINF:1,\n"+
			"segment1.mp4\n"+
			"#EXTINF:1,\n"+
			"segment2.mp4\n"+
			"#EXT-X-ENDLIST\n")))

		router.GET("/init.mp4", serveBytes("video/mp4", init))
		router.GET("/segment1.mp4", serveBytes("video/mp4", seg1))
		router.GET("/segment2.mp4", serveBytes("video/mp4", seg2))
	})

	surface := &testMediaSourceSurface{}
	events := newHLSClientEvents()

	c := &HLSClient{
		URI:     s.URL + "/stream.m3u8",
		Surface: surface,
	}
	events.bind(c)

	err = c.Start()
	require.NoError(t, err)
	defer c.Destroy()

	select {
	case <-events.ended:
	case err := <-events.errCh:
		t.Fatal(err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}

	events.mutex.Lock()
	require.Len(t, events.levels, 1)
	require.Equal(t, "default", events.levels[0].Label)
	events.mutex.Unlock()

	require.Equal(t, []*Sample{
		{
			PTS:          500 * time.Millisecond,
			DTS:          0,
			RandomAccess: true,
			Data:         [][]byte{{7, 1, 2, 3}, {8}, {5}},
		},
		{
			PTS:  1 * time.Second,
			DTS:  1 * time.Second,
			Data: [][]byte{{1, 4, 5, 6}},
		},
	}, surface.samplesOf(CodecH264))

	require.Equal(t, []*Sample{
		{
			PTS:          0,
			DTS:          0,
			RandomAccess: true,
			Data:         [][]byte{{1, 2, 3, 4}},
		},
	}, surface.samplesOf(CodecMPEG4Audio))
}

func TestHLSClientManifestErrors(t *testing.T) {
	for _, ca := range []struct {
		name     string
		manifest string
		status   int
		typ      HLSErrorType
		details  HLSErrorDetails
	}{
		{
			"not found",
			"",
			http.StatusNotFound,
			HLSErrorTypeNetwork,
			HLSErrorManifestLoad,
		},
		{
			"invalid",
			"not a playlist",
			http.StatusOK,
			HLSErrorTypeOther,
			HLSErrorManifestParsing,
		},
		{
			"incompatible codecs",
			"#EXTM3U\n" +
				"#EXT-X-STREAM-INF:BANDWIDTH=500000,CODECS=\"vp09.00.10.08\"\n" +
				"stream.m3u8\n",
			http.StatusOK,
			HLSErrorTypeOther,
			HLSErrorManifestIncompatible,
		},
	} {
		t.Run(ca.name, func(t *testing.T) {
			s := testServer(t, func(router *gin.Engine) {
				router.GET("/index.m3u8", func(ctx *gin.Context) {
					ctx.Data(ca.status, "application/vnd.apple.mpegurl", []byte(ca.manifest))
				})
			})

			events := newHLSClientEvents()

			c := &HLSClient{
				URI:        s.URL + "/index.m3u8",
				Surface:    &testMediaSourceSurface{},
				RetryDelay: 10 * time.Millisecond,
			}
			events.bind(c)

			err := c.Start()
			require.NoError(t, err)
			defer c.Destroy()

			herr := events.nextError(t)
			require.True(t, herr.Fatal)
			require.Equal(t, ca.typ, herr.Type)
			require.Equal(t, ca.details, herr.Details)
		})
	}
}

func TestHLSClientRecovery(t *testing.T) {
	s := testServer(t, func(router *gin.Engine) {
		router.GET("/index.m3u8", func(ctx *gin.Context) {
			ctx.Status(http.StatusServiceUnavailable)
		})
	})

	events := newHLSClientEvents()

	c := &HLSClient{
		URI:           s.URL + "/index.m3u8",
		Surface:       &testMediaSourceSurface{},
		RetryDelay:    10 * time.Millisecond,
		MaxRecoveries: 2,
	}
	events.bind(c)

	err := c.Start()
	require.NoError(t, err)
	defer c.Destroy()

	herr := events.nextError(t)
	require.Equal(t, HLSErrorTypeNetwork, herr.Type)

	for i := 0; i < 2; i++ {
		c.StartLoad()

		herr = events.nextError(t)
		require.Equal(t, HLSErrorTypeNetwork, herr.Type)
		require.Equal(t, HLSErrorManifestLoad, herr.Details)
	}

	c.StartLoad()

	herr = events.nextError(t)
	require.True(t, herr.Fatal)
	require.Equal(t, HLSErrorTypeOther, herr.Type)
	require.Equal(t, HLSErrorRecoveryExhausted, herr.Details)
}

func TestHLSClientMediaErrors(t *testing.T) {
	garbage := bytes.Repeat([]byte{0xFF}, 1000)

	s := testServer(t, func(router *gin.Engine) {
		router.GET("/stream.m3u8", serveBytes("application/vnd.apple.mpegurl", []byte("#EXTM3U\n"+
			"#EXT-X-TARGETDURATION:2\n"+
			"#EXT-X-PLAYLIST-TYPE:VOD\n"+
			"#EXTINF:1,\n"+
			"segment1.ts\n"+
			"#EXTINF:1,\n"+
			"segment2.ts\n"+
			"#EXTINF:1,\n"+
			"segment3.ts\n"+
			"#EXT-X-ENDLIST\n")))

		for _, name := range []string{"segment1.ts", "segment2.ts", "segment3.ts"} {
			router.GET("/"+name, serveBytes("video/MP2T", garbage))
		}
	})

	events := newHLSClientEvents()

	c := &HLSClient{
		URI:                       s.URL + "/stream.m3u8",
		Surface:                   &testMediaSourceSurface{},
		MaxConsecutiveMediaErrors: 3,
	}
	events.bind(c)

	err := c.Start()
	require.NoError(t, err)
	defer c.Destroy()

	for i := 0; i < 2; i++ {
		herr := events.nextError(t)
		require.False(t, herr.Fatal)
		require.Equal(t, HLSErrorTypeMedia, herr.Type)
		require.Equal(t, HLSErrorFragParsing, herr.Details)
	}

	herr := events.nextError(t)
	require.True(t, herr.Fatal)
	require.Equal(t, HLSErrorTypeMedia, herr.Type)
}

func TestHLSClientSetCurrentLevel(t *testing.T) {
	c := &HLSClient{
		Surface: &testMediaSourceSurface{},
	}
	c.manualLevel = -1
	c.levels = []*Level{{Index: 0}, {Index: 1}}

	require.True(t, c.AutoLevelEnabled())

	err := c.SetCurrentLevel(1)
	require.NoError(t, err)
	require.False(t, c.AutoLevelEnabled())
	require.Equal(t, 1, c.pickLevel())

	err = c.SetCurrentLevel(2)
	require.Error(t, err)

	err = c.SetCurrentLevel(LevelAuto)
	require.NoError(t, err)
	require.True(t, c.AutoLevelEnabled())
	require.Equal(t, 0, c.pickLevel())
}

func TestHLSCodecsSupported(t *testing.T) {
	for _, ca := range []struct {
		codecs string
		ok     bool
	}{
		{"", true},
		{"avc1.64001f,mp4a.40.2", true},
		{"hvc1.1.6.L93.B0, mp4a.40.2", true},
		{"hev1.1.6.L93.B0", true},
		{"avc1.64001f,ec-3", false},
		{"vp09.00.10.08", false},
	} {
		t.Run(ca.codecs, func(t *testing.T) {
			require.Equal(t, ca.ok, hlsCodecsSupported(ca.codecs))
		})
	}
}
