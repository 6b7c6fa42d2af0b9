package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hipsterbrown/feetech-servo/feetech"

	"github.com/gwillem/colorsort/pkg/agent"
	"github.com/gwillem/colorsort/pkg/config"
	"github.com/gwillem/colorsort/pkg/robot"
	"github.com/gwillem/colorsort/pkg/transport"
)

var subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))

type SetupCommand struct {
	SkipServos bool `long:"skip-servos" description:"Only configure the link and camera"`
}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("colorsort setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━"))
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := opts.Config
	if path == "" {
		path = config.DefaultConfigFile
	}

	// Step 1: how the supervisor reaches the agent
	fmt.Println(subHeaderStyle.Render("━━━ Agent link ━━━"))
	if err := configureLink(cfg); err != nil {
		return err
	}
	if err := configureCamera(cfg); err != nil {
		return err
	}
	if err := cfg.SaveTo(path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	// Step 2: servo bus of the agent
	if !c.SkipServos && confirm("Calibrate the Feetech servo bus on this machine?") {
		fmt.Println()
		fmt.Println(subHeaderStyle.Render("━━━ Servo calibration ━━━"))
		fmt.Println()
		if err := calibrateRig(cfg); err != nil {
			return err
		}
		if err := cfg.SaveTo(path); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", path)
	fmt.Println()
	fmt.Println("Start the agent with:  " + headerStyle.Render("colorsort agent"))
	fmt.Println("Then sort with:        " + headerStyle.Render("colorsort sort"))
	return nil
}

func configureLink(cfg *config.Config) error {
	link := "tcp"
	if cfg.Agent.SerialPort != "" {
		link = "serial"
	}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("How is the agent connected?").
				Options(
					huh.NewOption("Network (TCP)", "tcp"),
					huh.NewOption("Serial line", "serial"),
				).
				Value(&link),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}

	if link == "tcp" {
		cfg.Agent.SerialPort = ""
		form = huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Agent address").
					Description("host:port the supervisor dials").
					Value(&cfg.Agent.Address),
				huh.NewInput().
					Title("Agent listen address").
					Description("address 'colorsort agent' listens on").
					Value(&cfg.Agent.Listen),
			),
		)
		if err := form.Run(); err != nil {
			fmt.Println()
			os.Exit(0)
		}
		return nil
	}

	ports, err := transport.ListSerialPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		return errors.New("no serial ports found")
	}
	var options []huh.Option[string]
	for _, p := range ports {
		options = append(options, huh.NewOption(p, p))
	}
	baud := strconv.Itoa(cfg.Agent.BaudRate)
	form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Serial port of the agent link").
				Options(options...).
				Value(&cfg.Agent.SerialPort),
			huh.NewInput().
				Title("Baud rate").
				Value(&baud).
				Validate(positiveInt),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	cfg.Agent.BaudRate, _ = strconv.Atoi(baud)
	return nil
}

func configureCamera(cfg *config.Config) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Camera snapshot URL").
				Description("JPEG or PNG endpoint of the gripper camera").
				Value(&cfg.Vision.CameraURL).
				Validate(func(s string) error {
					if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
						return errors.New("must be an http(s) URL")
					}
					return nil
				}),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	return nil
}

func calibrateRig(cfg *config.Config) error {
	fmt.Println("Scanning for servo buses...")
	fmt.Println()

	rigs := findRigs(cfg.Servos.BaudRate)
	if len(rigs) == 0 {
		fmt.Println("No gantry found (expected servos with IDs 1-4).")
		fmt.Println("Make sure the servo bus is connected and powered on.")
		os.Exit(1)
	}

	var rig *rigInfo
	for i := range rigs {
		if identifyRigWithWiggle(&rigs[i]) {
			rig = &rigs[i]
			break
		}
	}
	for i := range rigs {
		if rig != &rigs[i] {
			rigs[i].bus.Close()
		}
	}
	if rig == nil {
		fmt.Println("No bus selected.")
		os.Exit(1)
	}
	defer rig.bus.Close()

	cal, err := recordRanges(rig)
	if err != nil {
		return err
	}
	if err := askTravel(cal, cfg.Workspace); err != nil {
		return err
	}
	if err := cal.Validate(); err != nil {
		return err
	}
	if err := cal.SaveTo(cfg.Servos.Calibration); err != nil {
		return fmt.Errorf("save calibration: %w", err)
	}
	cfg.Servos.Port = rig.port
	fmt.Printf("Calibration saved to %s\n", cfg.Servos.Calibration)
	return nil
}

type rigInfo struct {
	port   string
	servos []feetech.FoundServo
	bus    *feetech.Bus
}

func findRigs(baudRate int) []rigInfo {
	ports, err := transport.ListSerialPorts()
	if err != nil {
		fmt.Printf("Error listing ports: %v\n", err)
		return nil
	}

	var rigs []rigInfo
	for _, port := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(port, "Bluetooth") {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		bus, err := feetech.NewBus(feetech.BusConfig{
			Port:     port,
			BaudRate: baudRate,
			Protocol: feetech.ProtocolSTS,
			Timeout:  100 * time.Millisecond,
		})
		if err != nil {
			cancel()
			continue
		}

		servos, err := bus.Scan(ctx, 1, len(robot.AllAxes()))
		cancel()
		if err != nil || !isGantry(servos) {
			bus.Close()
			continue
		}
		fmt.Printf("  Found gantry on %s\n", port)
		rigs = append(rigs, rigInfo{port: port, servos: servos, bus: bus})
	}
	return rigs
}

// isGantry reports whether the bus has exactly one servo per actuator.
func isGantry(servos []feetech.FoundServo) bool {
	n := len(robot.AllAxes())
	if len(servos) != n {
		return false
	}
	ids := make(map[int]bool)
	for _, s := range servos {
		ids[s.ID] = true
	}
	for i := 1; i <= n; i++ {
		if !ids[i] {
			return false
		}
	}
	return true
}

func (r *rigInfo) servo(id int) *feetech.Servo {
	for _, s := range r.servos {
		if s.ID == id {
			return feetech.NewServo(r.bus, s.ID, s.Model)
		}
	}
	return nil
}

// identifyRigWithWiggle nudges the gripper servo and asks whether it moved.
func identifyRigWithWiggle(rig *rigInfo) bool {
	ctx := context.Background()
	gripperID := len(robot.AllAxes())
	servo := rig.servo(gripperID)
	if servo == nil {
		return false
	}

	originalPos, err := servo.Position(ctx)
	if err != nil {
		fmt.Printf("  Error reading position: %v\n", err)
		return false
	}
	if err := servo.Enable(ctx); err != nil {
		fmt.Printf("  Error enabling servo: %v\n", err)
		return false
	}

	fmt.Printf("\n  Wiggling gripper on %s...\n", rig.port)
	wiggleAmount := 30
	moveTimeMs := 500
	servo.SetPositionWithTime(ctx, originalPos+wiggleAmount, moveTimeMs)
	time.Sleep(time.Duration(moveTimeMs+100) * time.Millisecond)
	servo.SetPositionWithTime(ctx, originalPos-wiggleAmount, moveTimeMs)
	time.Sleep(time.Duration(moveTimeMs+100) * time.Millisecond)
	servo.SetPositionWithTime(ctx, originalPos, moveTimeMs)
	time.Sleep(time.Duration(moveTimeMs+100) * time.Millisecond)
	servo.Disable(ctx)

	return confirm(fmt.Sprintf("Did the gripper on %s just move?", rig.port))
}

// recordRanges disables torque and records the raw range of every actuator
// while the user moves the gantry by hand.
func recordRanges(rig *rigInfo) (agent.Calibration, error) {
	ctx := context.Background()
	axes := robot.AllAxes()
	servoMap := make(map[int]*feetech.Servo)
	for i := range axes {
		s := rig.servo(i + 1)
		servoMap[i+1] = s
		s.Disable(ctx)
	}

	fmt.Println(subHeaderStyle.Render("Record range of motion"))
	fmt.Println("Move every axis from one end stop to the other.")
	fmt.Println("Close the gripper fully, then open it fully.")
	fmt.Println()

	cur := make(map[robot.AxisName]int)
	lo := make(map[robot.AxisName]int)
	hi := make(map[robot.AxisName]int)
	for i, name := range axes {
		pos, err := servoMap[i+1].Position(ctx)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		cur[name], lo[name], hi[name] = pos, pos, pos
	}

	final, err := tea.NewProgram(newCalibrationModel(axes, servoMap, cur, lo, hi)).Run()
	if err != nil {
		return nil, fmt.Errorf("run calibration: %w", err)
	}
	cm := final.(calibrationModel)

	cal := make(agent.Calibration)
	for i, name := range axes {
		cal[name] = agent.AxisCalibration{
			ID:       i + 1,
			RangeMin: cm.minPositions[name],
			RangeMax: cm.maxPositions[name],
		}
	}

	// The gripper is stored open at RangeMin.
	openAtMax := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[bool]().
				Title("Where is the gripper open?").
				Description(fmt.Sprintf("raw %d or raw %d", cm.minPositions[robot.Gripper], cm.maxPositions[robot.Gripper])).
				Options(
					huh.NewOption(fmt.Sprintf("At %d (min)", cm.minPositions[robot.Gripper]), false),
					huh.NewOption(fmt.Sprintf("At %d (max)", cm.maxPositions[robot.Gripper]), true),
				).
				Value(&openAtMax),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	if openAtMax {
		g := cal[robot.Gripper]
		g.RangeMin, g.RangeMax = g.RangeMax, g.RangeMin
		cal[robot.Gripper] = g
	}
	return cal, nil
}

// askTravel asks where each end stop sits in robot coordinates.
func askTravel(cal agent.Calibration, ws robot.WorkspaceLimits) error {
	type travel struct {
		axis   robot.AxisName
		lo, hi string
	}
	defaults := map[robot.AxisName][2]float64{
		robot.AxisX: {ws.XMin, ws.XMax},
		robot.AxisY: {ws.YMin, ws.YMax},
		robot.AxisZ: {ws.ZMin, ws.ZMax},
	}

	var fields []huh.Field
	inputs := make([]*travel, 0, 3)
	for _, axis := range robot.LinearAxes() {
		a := cal[axis]
		d := defaults[axis]
		t := &travel{axis: axis, lo: formatCm(d[0]), hi: formatCm(d[1])}
		inputs = append(inputs, t)
		fields = append(fields,
			huh.NewInput().
				Title(fmt.Sprintf("%s at raw %d (cm)", axis, a.RangeMin)).
				Value(&t.lo).
				Validate(isFloat),
			huh.NewInput().
				Title(fmt.Sprintf("%s at raw %d (cm)", axis, a.RangeMax)).
				Value(&t.hi).
				Validate(isFloat),
		)
	}
	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}

	for _, t := range inputs {
		a := cal[t.axis]
		a.Min, _ = strconv.ParseFloat(t.lo, 64)
		a.Max, _ = strconv.ParseFloat(t.hi, 64)
		cal[t.axis] = a
	}
	return nil
}

func formatCm(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func isFloat(s string) error {
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return errors.New("enter a number")
	}
	return nil
}

func positiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return errors.New("enter a positive number")
	}
	return nil
}

func confirm(title string) bool {
	var ok bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	return ok
}

// Calibration TUI model
type calibrationModel struct {
	axes         []robot.AxisName
	servoMap     map[int]*feetech.Servo
	curPositions map[robot.AxisName]int
	minPositions map[robot.AxisName]int
	maxPositions map[robot.AxisName]int
	quitting     bool
}

type tickMsg time.Time

func newCalibrationModel(
	axes []robot.AxisName,
	servoMap map[int]*feetech.Servo,
	curPositions, minPositions, maxPositions map[robot.AxisName]int,
) calibrationModel {
	return calibrationModel{
		axes:         axes,
		servoMap:     servoMap,
		curPositions: curPositions,
		minPositions: minPositions,
		maxPositions: maxPositions,
	}
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m calibrationModel) Init() tea.Cmd {
	return tick()
}

func (m calibrationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter", "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		ctx := context.Background()
		for i, name := range m.axes {
			pos, err := m.servoMap[i+1].Position(ctx)
			if err != nil {
				continue
			}
			m.curPositions[name] = pos
			m.minPositions[name] = min(m.minPositions[name], pos)
			m.maxPositions[name] = max(m.maxPositions[name], pos)
		}
		return m, tick()
	}

	return m, nil
}

func (m calibrationModel) View() string {
	if m.quitting {
		return ""
	}

	var sb strings.Builder

	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tableAxisStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	tableCellStyle := lipgloss.NewStyle().Padding(0, 1)
	tableCurrentStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)
	tableRangeGoodStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Padding(0, 1)
	tableRangeLowStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)

	rows := make([][]string, 0, len(m.axes))
	ranges := make([]int, 0, len(m.axes))
	for _, name := range m.axes {
		rangeSize := m.maxPositions[name] - m.minPositions[name]
		ranges = append(ranges, rangeSize)
		rows = append(rows, []string{
			string(name),
			strconv.Itoa(m.curPositions[name]),
			strconv.Itoa(m.minPositions[name]),
			strconv.Itoa(m.maxPositions[name]),
			strconv.Itoa(rangeSize),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Axis", "Current", "Min", "Max", "Range").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			switch col {
			case 0:
				return tableAxisStyle
			case 1:
				return tableCurrentStyle
			case 4:
				if row >= 0 && row < len(ranges) && ranges[row] > 200 {
					return tableRangeGoodStyle
				}
				return tableRangeLowStyle
			default:
				return tableCellStyle
			}
		})

	sb.WriteString(t.Render())
	sb.WriteString("\n\n")
	sb.WriteString(dimStyle.Render("Press Enter when done"))
	return sb.String()
}
