package browser

import (
	"testing"

	"github.com/chromedp/cdproto/fetch"
	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/shutter/internal/common"
)

func TestLaunchArgsSandboxFlag(t *testing.T) {
	withSandbox := LaunchArgs(common.BrowserConfig{NoSandbox: false})
	assert.NotContains(t, withSandbox, "--no-sandbox")

	without := LaunchArgs(common.BrowserConfig{NoSandbox: true})
	assert.Contains(t, without, "--no-sandbox")
}

func TestRouteResponseHeadersLowercased(t *testing.T) {
	r := &chromeRoute{ev: &fetch.EventRequestPaused{
		ResponseStatusCode: 200,
		ResponseHeaders: []*fetch.HeaderEntry{
			{Name: "Content-Type", Value: "text/css"},
			{Name: "X-Cache", Value: "HIT"},
		},
	}}

	headers := r.ResponseHeaders()
	assert.Equal(t, map[string]string{
		"content-type": "text/css",
		"x-cache":      "HIT",
	}, headers)
	assert.Equal(t, 200, r.ResponseStatus())
}

func TestRouteStageDetection(t *testing.T) {
	request := &chromeRoute{ev: &fetch.EventRequestPaused{}}
	assert.False(t, request.atResponseStage())
	_, err := request.ResponseBody()
	assert.Error(t, err)

	response := &chromeRoute{ev: &fetch.EventRequestPaused{ResponseStatusCode: 304}}
	assert.True(t, response.atResponseStage())
}
