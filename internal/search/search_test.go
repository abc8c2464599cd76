package search

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tracksync/internal/tracks"
)

const resultsPage = `<html><script>var ytInitialData = {"contents":[
{"videoRenderer":{"videoId":"abcdefghijk","title":"One"}},
{"videoRenderer":{"videoId":"abcdefghijk","title":"One again"}},
{"videoRenderer":{"videoId":"ZYX-_987654","title":"Two"}}]};</script>
<a href="/watch?v=Q1w2e3r4t5y">three</a></html>`

func TestCandidatesInPageOrder(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"abcdefghijk", "ZYX-_987654", "Q1w2e3r4t5y"}, Candidates([]byte(resultsPage)))
	require.Empty(t, Candidates([]byte("<html>nothing here</html>")))
}

func TestFirstTarget(t *testing.T) {
	t.Parallel()

	target, err := FirstTarget("", []byte(resultsPage))
	require.NoError(t, err)
	require.Equal(t, "https://www.youtube.com/watch?v=abcdefghijk", target.URL)
	require.True(t, target.Resolved())

	_, err = FirstTarget("", []byte("{}"))
	require.ErrorIs(t, err, tracks.ErrNoCandidate)
}

func TestResultsURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://www.youtube.com/results?search_query=One+Alpha+audio", ResultsURL("", "One Alpha audio"))
	require.Equal(t, "http://127.0.0.1:1/results?search_query=a%26b", ResultsURL("http://127.0.0.1:1/", "a&b"))
}
