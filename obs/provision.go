package obs

import (
	"context"
	"errors"
	"fmt"

	"markerswitch/pkg/logging"
)

// obs-websocket request status codes
const (
	statusResourceNotFound      = 600
	statusResourceAlreadyExists = 601
)

const (
	videoInputKind  = "v4l2_input"
	scaleFilterKind = "scale_filter"
	scaleFilterName = "Scale"

	// frames without data before the input resets itself
	sinkTimeoutFrames = 50
)

// VideoInput describes the V4L2 source that shows the cloned device in OBS
type VideoInput struct {
	Scene      string // scene to add it to; empty means the current program scene
	Name       string
	Device     string // e.g. /dev/video10
	Resolution string // "None", an aspect like "16:9", or WxH
}

// Settings returns the input settings OBS is given for the source
func (v VideoInput) Settings() map[string]any {
	settings := map[string]any{
		"device_id":      v.Device,
		"auto_reset":     true,
		"timeout_frames": sinkTimeoutFrames,
		"buffering":      false,
	}
	if v.scaled() {
		settings["resolution"] = v.Resolution
	}
	return settings
}

func (v VideoInput) scaled() bool {
	return v.Resolution != "" && v.Resolution != "None"
}

// EnsureVideoInput makes sure the sink input exists in the target scene,
// creating it at the bottom of the scene when missing. An existing input
// with the same name is left untouched.
func (c *Client) EnsureVideoInput(ctx context.Context, in VideoInput) error {
	sceneName := in.Scene
	if sceneName == "" {
		current, err := c.CurrentScene(ctx)
		if err != nil {
			return err
		}
		sceneName = current
	}

	_, err := c.sceneItemID(ctx, sceneName, in.Name)
	if err == nil {
		logging.Debug("OBS", fmt.Sprintf("Input %q already in scene %q", in.Name, sceneName))
		return nil
	}
	if !isStatus(err, statusResourceNotFound) {
		return err
	}

	itemID, err := c.createInput(ctx, sceneName, in)
	if err != nil {
		return err
	}

	if in.scaled() {
		err := c.call(ctx, "CreateSourceFilter", map[string]any{
			"sourceName":     in.Name,
			"filterName":     scaleFilterName,
			"filterKind":     scaleFilterKind,
			"filterSettings": map[string]any{"resolution": in.Resolution},
		}, nil)
		if err != nil && !isStatus(err, statusResourceAlreadyExists) {
			return err
		}
	}

	if err := c.call(ctx, "SetSceneItemIndex", map[string]any{
		"sceneName":      sceneName,
		"sceneItemId":    itemID,
		"sceneItemIndex": 0,
	}, nil); err != nil {
		return err
	}

	logging.Debug("OBS", fmt.Sprintf("Created input %q on %s in scene %q", in.Name, in.Device, sceneName))
	return nil
}

func (c *Client) sceneItemID(ctx context.Context, sceneName, sourceName string) (int, error) {
	var resp struct {
		SceneItemID int `json:"sceneItemId"`
	}
	err := c.call(ctx, "GetSceneItemId", map[string]any{
		"sceneName":  sceneName,
		"sourceName": sourceName,
	}, &resp)
	return resp.SceneItemID, err
}

// createInput adds a new input to the scene, or a scene item for an input
// that already exists elsewhere in the collection.
func (c *Client) createInput(ctx context.Context, sceneName string, in VideoInput) (int, error) {
	var resp struct {
		SceneItemID int `json:"sceneItemId"`
	}
	err := c.call(ctx, "CreateInput", map[string]any{
		"sceneName":        sceneName,
		"inputName":        in.Name,
		"inputKind":        videoInputKind,
		"inputSettings":    in.Settings(),
		"sceneItemEnabled": true,
	}, &resp)
	if err == nil {
		return resp.SceneItemID, nil
	}
	if !isStatus(err, statusResourceAlreadyExists) {
		return 0, err
	}

	err = c.call(ctx, "CreateSceneItem", map[string]any{
		"sceneName":  sceneName,
		"sourceName": in.Name,
	}, &resp)
	return resp.SceneItemID, err
}

func isStatus(err error, code int) bool {
	var reqErr *RequestError
	return errors.As(err, &reqErr) && reqErr.Code == code
}
