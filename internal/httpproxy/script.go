package httpproxy

import (
	"bytes"
	"regexp"
)

// deterministicScript neutralises the entropy and clock sources replayed
// pages depend on. Every run sees the same Date, the same Math.random
// stream, and a monotonic performance.now that no longer reflects real
// wall time. The seed and epoch are constants so two replays of the same
// archive execute identically.
const deterministicScript = `<script>
(function () {
  var random_seed = 0x2f6e2b1;
  Math.random = function () {
    random_seed = (random_seed * 9301 + 49297) % 233280;
    return random_seed / 233280.0;
  };

  var date_epoch = 1204251968254;
  var date_offset = 0;
  var NativeDate = Date;
  var ReplayDate = function () {
    if (arguments.length) {
      var bound = NativeDate.bind.apply(NativeDate, [null].concat(Array.prototype.slice.call(arguments)));
      return new bound();
    }
    return new NativeDate(date_epoch + (date_offset += 50));
  };
  ReplayDate.prototype = NativeDate.prototype;
  ReplayDate.parse = NativeDate.parse;
  ReplayDate.UTC = NativeDate.UTC;
  ReplayDate.now = function () { return date_epoch + (date_offset += 50); };
  Date = ReplayDate;

  if (window.performance) {
    var perf_counter = 0;
    var replayNow = function () { return perf_counter += 2; };
    try { performance.now = replayNow; } catch (e) {}
    if (performance.timing) {
      try { performance.timing.navigationStart = date_epoch; } catch (e) {}
    }
  }
})();
</script>`

// headTag finds the first opening <head> tag, attributes and case
// included.
var headTag = regexp.MustCompile(`(?i)<head[^>]*>`)

// htmlContentTypes lists the media types eligible for injection.
var htmlContentTypes = []string{
	"text/html",
	"application/xhtml+xml",
}

// injectableContentType reports whether a Content-Type header value
// names an HTML document.
func injectableContentType(contentType string) bool {
	for _, t := range htmlContentTypes {
		if len(contentType) >= len(t) && contentType[:len(t)] == t {
			return true
		}
	}
	return false
}

// injectDeterministicScript places the script fragment immediately after
// the first <head> tag, or at the document start when no head exists.
// The fragment is inserted exactly once.
func injectDeterministicScript(body []byte) []byte {
	if loc := headTag.FindIndex(body); loc != nil {
		out := make([]byte, 0, len(body)+len(deterministicScript))
		out = append(out, body[:loc[1]]...)
		out = append(out, deterministicScript...)
		return append(out, body[loc[1]:]...)
	}
	return append([]byte(deterministicScript), body...)
}

// alreadyInjected reports whether the fragment is present, guarding
// against double injection when a recorded body was itself produced by a
// replay session.
func alreadyInjected(body []byte) bool {
	return bytes.Contains(body, []byte("var random_seed = 0x2f6e2b1"))
}
