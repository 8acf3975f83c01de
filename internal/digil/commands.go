package digil

import "strings"

// 三条固定命令，与设备固件契约逐字一致，不要改动

// MaintenanceOn 进入维护模式
func MaintenanceOn() CommandSpec {
	return CommandSpec{
		Name: "maintenance",
		Params: map[string]ParamValues{
			"status": {Values: []string{"ON"}},
		},
	}
}

// MaintenanceOff 退出维护模式
func MaintenanceOff() CommandSpec {
	return CommandSpec{
		Name: "maintenance",
		Params: map[string]ParamValues{
			"status": {Values: []string{"OFF"}},
		},
	}
}

// ResetInclinometer 倾角计归零校准
func ResetInclinometer() CommandSpec {
	return CommandSpec{
		Name: "set_value",
		Params: map[string]ParamValues{
			"peripheral": {Values: []string{"sjb"}},
			"param":      {Values: []string{"COM_Digil2_Conf_Incl_Taratura"}},
			"value":      {Values: []string{"1"}},
		},
	}
}

// DeviceClass 设备类别（由设备 ID 的固定子串规则推导）
type DeviceClass string

const (
	ClassMaster DeviceClass = "master"
	ClassSlave  DeviceClass = "slave"
)

// DetectDeviceClass 从设备 ID 推导设备类别
// 规则：第 4~6 位含 "15" → master，含 "16" → slave；
// 否则全串查找；默认 slave（早期设计用它选超时，现仅作标注）
func DetectDeviceClass(deviceID string) DeviceClass {
	if len(deviceID) >= 6 {
		mid := deviceID[3:6]
		if strings.Contains(mid, "15") {
			return ClassMaster
		}
		if strings.Contains(mid, "16") {
			return ClassSlave
		}
	}
	if strings.Contains(deviceID, "15") && !strings.Contains(deviceID, "16") {
		return ClassMaster
	}
	return ClassSlave
}
