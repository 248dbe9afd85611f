package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供拦截策略/路径/命中状态字段，供拦截器请求日志复用。
func RequestFields(policy, path string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"action":    "intercept",
		"policy":    policy,
		"path":      path,
		"cache_hit": cacheHit,
	}
}

// SyncFields 提供同步编排器的状态字段。
func SyncFields(action, state string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"state":  state,
	}
}
