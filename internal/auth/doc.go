// Package auth 使用静态 Bearer 令牌保护管理接口，并按权限区分只读、执行与设置修改。
package auth
