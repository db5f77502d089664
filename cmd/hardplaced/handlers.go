package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v2"

	"github.com/dougsko/hardplace/pkg/config"
	"github.com/dougsko/hardplace/pkg/logging"
	"github.com/dougsko/hardplace/pkg/protocol"
)

func errorJSON(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}

// handleGetStatus returns bridge status via socket
func (d *Daemon) handleGetStatus(c *gin.Context) {
	status, err := d.socketClient.GetStatus()
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// handleGetEvents returns journaled events, newest first. ?since=<id>
// returns only events after id.
func (d *Daemon) handleGetEvents(c *gin.Context) {
	var events []protocol.Event
	var err error

	if since := c.Query("since"); since != "" {
		id, perr := strconv.ParseInt(since, 10, 64)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		events, err = d.socketClient.GetEventsSince(id)
	} else {
		limit, perr := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if perr != nil {
			limit = 50
		}
		events, err = d.socketClient.GetEvents(limit)
	}
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

func (d *Daemon) handleGetTables(c *gin.Context) {
	tables, err := d.socketClient.GetTables()
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, tables)
}

func (d *Daemon) handleGetUSBMap(c *gin.Context) {
	data, err := d.socketClient.GetUSBMap()
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, data)
}

// console runs an HP command and answers with its text. Any operator
// confirmation is given automatically: the web caller has already set the
// radio before calling.
func (d *Daemon) console(c *gin.Context, line string) {
	text, err := d.socketClient.Console(line, func(prompt, text string) bool {
		logging.Debugf("web", "%s: confirming %q", line, prompt)
		return true
	})
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}

	result := strings.TrimSpace(text)
	status := http.StatusOK
	if strings.HasSuffix(result, "FAIL") {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{
		"command": line,
		"result":  result,
	})
}

// handleGetPowerMaps returns the HPPM report as text lines
func (d *Daemon) handleGetPowerMaps(c *gin.Context) {
	text, err := d.socketClient.Console(protocol.CmdPowerMaps+";", nil)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	lines := []string{}
	for _, line := range strings.Split(text, "\r\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	c.JSON(http.StatusOK, gin.H{"maps": lines})
}

func (d *Daemon) handleSetMaxPower(c *gin.Context) {
	d.console(c, protocol.CmdMaxPower+";")
}

func (d *Daemon) handleSetInitialPower(c *gin.Context) {
	d.console(c, protocol.CmdInitialPower+";")
}

func (d *Daemon) handleResetPower(c *gin.Context) {
	d.console(c, protocol.CmdResetPower+";")
}

func (d *Daemon) handleClearUSBMap(c *gin.Context) {
	d.console(c, protocol.CmdClearMap+";")
}

func (d *Daemon) handleDisconnect(c *gin.Context) {
	d.console(c, protocol.CmdDisconnect+";")
}

func (d *Daemon) handleSetDebug(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	arg := "0"
	if *req.Enabled {
		arg = "1"
	}
	d.console(c, protocol.CmdDebug+arg+";")
}

// handleConsole runs any HP command; commands that ask for confirmation
// are confirmed
func (d *Daemon) handleConsole(c *gin.Context) {
	var req struct {
		Command string `json:"command" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !protocol.IsConsoleCommand(req.Command) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a console command"})
		return
	}
	d.console(c, req.Command)
}

func (d *Daemon) handlePair(c *gin.Context) {
	if err := d.socketClient.Pair(); err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"pairing": "started"})
}

func (d *Daemon) handleClearPairing(c *gin.Context) {
	if err := d.socketClient.ClearPairing(); err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pairing": "cleared"})
}

func (d *Daemon) handleSetTuning(c *gin.Context) {
	var req struct {
		Amplifier string `json:"amplifier" binding:"required"`
		Antenna   int    `json:"antenna" binding:"required"`
		Enabled   *bool  `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := d.socketClient.SetTuning(req.Amplifier, req.Antenna, *req.Enabled); err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"amplifier": req.Amplifier,
		"antenna":   req.Antenna,
		"enabled":   *req.Enabled,
	})
}

// configMap renders cfg through its YAML form so the keys match the file
func configMap(cfg *config.Config) (map[string]interface{}, error) {
	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	var yamlConfig interface{}
	if err := yaml.Unmarshal(yamlData, &yamlConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	m, ok := convertYamlToJson(yamlConfig).(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected config shape")
	}
	return m, nil
}

// handleGetConfig returns the loaded configuration
func (d *Daemon) handleGetConfig(c *gin.Context) {
	m, err := configMap(d.config)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// convertYamlToJson converts YAML map[interface{}]interface{} to JSON-compatible map[string]interface{}
func convertYamlToJson(i interface{}) interface{} {
	switch x := i.(type) {
	case map[interface{}]interface{}:
		m2 := map[string]interface{}{}
		for k, v := range x {
			m2[fmt.Sprint(k)] = convertYamlToJson(v)
		}
		return m2
	case []interface{}:
		for i, v := range x {
			x[i] = convertYamlToJson(v)
		}
	}
	return i
}

// deepMerge recursively merges source map into destination map
func deepMerge(dst, src map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	for k, v := range dst {
		result[k] = v
	}
	for k, v := range src {
		srcMap, srcOk := v.(map[string]interface{})
		dstMap, dstOk := result[k].(map[string]interface{})
		if srcOk && dstOk {
			result[k] = deepMerge(dstMap, srcMap)
		} else {
			result[k] = v
		}
	}
	return result
}

// mergeConfig applies a partial update to cfg and returns the validated
// result as a new config. cfg is not modified.
func mergeConfig(cfg *config.Config, update map[string]interface{}) (*config.Config, error) {
	current, err := configMap(cfg)
	if err != nil {
		return nil, err
	}
	yamlData, err := yaml.Marshal(deepMerge(current, update))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var merged config.Config
	if err := yaml.Unmarshal(yamlData, &merged); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}

// handleSaveConfig merges the posted settings into the config file. They
// take effect on the next restart.
func (d *Daemon) handleSaveConfig(c *gin.Context) {
	var update map[string]interface{}
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	merged, err := mergeConfig(d.config, update)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}

	configPath := d.configPath
	if configPath == "" {
		configPath = "config.yaml"
	}
	if err := merged.SaveConfig(configPath); err != nil {
		errorJSON(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "saved",
		"path":   configPath,
	})
}

// WebSocket upgrader
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the API is served on the shack network
	},
}

// handleTelemetry streams bridge events to a websocket client
func (d *Daemon) handleTelemetry(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warnf("web", "WebSocket upgrade failed: %v", err)
		return
	}

	logging.Debugf("web", "Telemetry client %s connected", c.Request.RemoteAddr)
	d.coreEngine.Hub().Serve(conn)
	logging.Debugf("web", "Telemetry client %s disconnected", c.Request.RemoteAddr)
}
