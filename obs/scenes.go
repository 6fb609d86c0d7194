package obs

import (
	"context"
)

type sceneListResponse struct {
	CurrentProgramSceneName string `json:"currentProgramSceneName"`
	Scenes                  []struct {
		SceneName  string `json:"sceneName"`
		SceneIndex int    `json:"sceneIndex"`
	} `json:"scenes"`
}

// SceneNames lists the scene collection's scenes in the order OBS shows them
func (c *Client) SceneNames(ctx context.Context) ([]string, error) {
	var resp sceneListResponse
	if err := c.call(ctx, "GetSceneList", nil, &resp); err != nil {
		return nil, err
	}

	// obs-websocket reports scenes bottom-up; the UI lists them top-down
	names := make([]string, 0, len(resp.Scenes))
	for i := len(resp.Scenes) - 1; i >= 0; i-- {
		names = append(names, resp.Scenes[i].SceneName)
	}
	return names, nil
}

// CurrentScene returns the scene currently on program output
func (c *Client) CurrentScene(ctx context.Context) (string, error) {
	var resp struct {
		CurrentProgramSceneName string `json:"currentProgramSceneName"`
	}
	if err := c.call(ctx, "GetCurrentProgramScene", nil, &resp); err != nil {
		return "", err
	}
	return resp.CurrentProgramSceneName, nil
}

// SetCurrentScene puts name on program output
func (c *Client) SetCurrentScene(ctx context.Context, name string) error {
	return c.call(ctx, "SetCurrentProgramScene", map[string]any{"sceneName": name}, nil)
}
