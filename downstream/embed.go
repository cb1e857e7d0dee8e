package downstream

import _ "embed"

//go:embed fixtures/mock_data.yaml
var mockFixtureData []byte
