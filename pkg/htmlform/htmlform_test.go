package htmlform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const autoForm = `<html><body>
<form id='auto' method="post" action="https://myaccount.esbnetworks.ie/signin-oidc">
  <input type=hidden value="st-123" name='state'>
  <input name="client_info" type="hidden" value='ci-456' />
  <input id="code" type="hidden" name="code" value="code-789">
  <input type="submit" value="Continue">
</form>
<form id="other"></form>
</body></html>`

func TestForm(t *testing.T) {
	doc, err := Parse(autoForm)
	require.NoError(t, err)

	f, err := doc.Form("auto")
	require.NoError(t, err)
	assert.Equal(t, "https://myaccount.esbnetworks.ie/signin-oidc", f.Action)
	assert.Equal(t, "POST", f.Method)
	assert.Equal(t, map[string]string{
		"state":       "st-123",
		"client_info": "ci-456",
		"code":        "code-789",
	}, f.Fields)

	_, err = doc.Form("missing")
	assert.ErrorIs(t, err, ErrFieldNotFound)
	assert.Contains(t, err.Error(), "[auto other]")

	assert.Equal(t, []string{"auto", "other"}, doc.FormIDs())
}

func TestContains(t *testing.T) {
	doc, err := Parse(`<div class="g-recaptcha" data-sitekey="x"></div><textarea name="g-recaptcha-response"></textarea>`)
	require.NoError(t, err)
	assert.True(t, doc.Contains("g-recaptcha-response"))
	assert.False(t, doc.Contains("captcha.html"))
	assert.False(t, doc.Contains(""))
}

func TestExtractSettings(t *testing.T) {
	page := `<html><head><script>
var SETTINGS = {"remoteResource":"https://x/y.html","csrf":"Q1NSRg==","transId":"StateProperties=eyJUSUQiOiIxIn0","api":"CombinedSigninAndSignup","nested":{"a":"};"}};
var CONTENT = {};
</script></head></html>`

	settings, err := ExtractSettings(page)
	require.NoError(t, err)

	csrf, err := SettingString(settings, "csrf")
	require.NoError(t, err)
	assert.Equal(t, "Q1NSRg==", csrf)

	tx, err := SettingString(settings, "transId")
	require.NoError(t, err)
	assert.Equal(t, "StateProperties=eyJUSUQiOiIxIn0", tx)

	_, err = SettingString(settings, "missing")
	assert.ErrorIs(t, err, ErrFieldNotFound)

	_, err = ExtractSettings("<html></html>")
	assert.ErrorIs(t, err, ErrFieldNotFound)

	_, err = ExtractSettings("var SETTINGS = {broken")
	assert.ErrorIs(t, err, ErrFieldNotFound)
}

func TestSetting(t *testing.T) {
	doc, err := Parse(`<script>var SETTINGS = {"csrf":"abc","transId":"tx-1","empty":""};</script>`)
	require.NoError(t, err)

	var page Extractor = doc
	v, err := page.Setting("csrf")
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	v, err = page.Setting("transId")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", v)

	_, err = page.Setting("empty")
	assert.ErrorIs(t, err, ErrFieldNotFound)

	bare, err := Parse("<html></html>")
	require.NoError(t, err)
	_, err = bare.Setting("csrf")
	assert.ErrorIs(t, err, ErrFieldNotFound)
	_, err = bare.Setting("transId")
	assert.ErrorIs(t, err, ErrFieldNotFound)
}
